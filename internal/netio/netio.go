// Package netio provides the non-blocking socket primitives the reactor is
// built on: bounded reads, best-effort writes, and the raw syscalls needed
// to construct a listening socket and a non-blocking outbound connect.
// Nothing here blocks; every short read/write is the caller's to re-arm.
package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadCap bounds a single read_available call. Hitting it means the caller
// must drain and re-arm rather than assume the socket is empty.
const ReadCap = 16 * 1024

// ReadAvailable reads from a non-blocking fd until the kernel would block,
// EOF is observed, or ReadCap bytes have been read. EINTR is retried
// transparently. It never infers "done" from the shape of a short read —
// only would-block, EOF, or the cap end the loop.
func ReadAvailable(fd int) (data []byte, eof bool, err error) {
	buf := make([]byte, ReadCap)
	offset := 0
	for offset < ReadCap {
		n, readErr := unix.Read(fd, buf[offset:])
		if readErr != nil {
			if readErr == unix.EINTR {
				continue
			}
			if readErr == unix.EAGAIN || readErr == unix.EWOULDBLOCK {
				return buf[:offset], false, nil
			}
			return nil, false, fmt.Errorf("netio: read: %w", readErr)
		}
		if n == 0 {
			return buf[:offset], true, nil
		}
		offset += n
	}
	return buf[:offset], false, nil
}

// WriteAll writes as much of data as the kernel will accept without
// blocking and returns the unwritten suffix. EINTR is retried. A non-empty
// remainder means the caller must re-enqueue it and keep write-readiness
// registered; WriteAll never loops waiting for the socket to drain.
func WriteAll(fd int, data []byte) (remaining []byte, err error) {
	offset := 0
	for offset < len(data) {
		n, writeErr := unix.Write(fd, data[offset:])
		if writeErr != nil {
			if writeErr == unix.EINTR {
				continue
			}
			if writeErr == unix.EAGAIN || writeErr == unix.EWOULDBLOCK {
				return data[offset:], nil
			}
			return nil, fmt.Errorf("netio: write: %w", writeErr)
		}
		if n == 0 {
			return data[offset:], nil
		}
		offset += n
	}
	return nil, nil
}

// NewListener creates a non-blocking, SO_REUSEADDR IPv4 TCP socket bound to
// INADDR_ANY:port and listening with backlog. TCP_NODELAY is set on each
// accepted connection by Accept, not on the listener.
func NewListener(port int, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: set nonblocking: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: listen :%d: %w", port, err)
	}
	return fd, nil
}

// Accept accepts one pending connection on a non-blocking listener fd and
// returns it already set non-blocking. Returns unix.EAGAIN when there is
// nothing to accept — not an error the caller should log.
func Accept(listenFd int) (int, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	setKeepalive(fd)
	setNoDelay(fd)
	return fd, nil
}

// DialResult is the outcome of starting a non-blocking outbound connect.
type DialResult struct {
	Fd        int
	InProgress bool // true if connect returned EINPROGRESS; caller waits for writable
}

// DialIPv4 issues a non-blocking connect(2) to a.b.c.d:port. On ECONNREFUSED,
// ENETUNREACH, EHOSTUNREACH or any other synchronous failure, the returned
// error wraps the raw errno so callers can map it to a SOCKS status via
// errors.Is.
func DialIPv4(ip [4]byte, port int) (DialResult, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return DialResult{}, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return DialResult{}, fmt.Errorf("netio: set nonblocking: %w", err)
	}
	setNoDelay(fd)
	setKeepalive(fd)

	addr := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, addr)
	if err == nil {
		return DialResult{Fd: fd, InProgress: false}, nil
	}
	if err == unix.EINPROGRESS {
		return DialResult{Fd: fd, InProgress: true}, nil
	}
	unix.Close(fd)
	return DialResult{}, err
}

// ConnectError returns the pending error on a socket whose non-blocking
// connect just became writable — nil means the connect succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// setNoDelay and setKeepalive mirror the TCP options Ealireza-SuperProxy's
// sockopt_linux.go applies via net.Dialer.Control; the reactor deals in raw
// fds instead of *net.TCPConn, so the same options are set directly here.
// Failures are not fatal — these are performance tuning, not correctness.
func setNoDelay(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func setKeepalive(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
}

// ParseIPv4Addr converts a dotted-quad string into its 4-byte form. DOMAIN
// addresses are rejected by the handshake state machine before this is
// ever called (see internal/reactor's DOMAIN handling).
func ParseIPv4Addr(s string) ([4]byte, error) {
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return [4]byte{}, fmt.Errorf("netio: invalid IPv4 literal %q", s)
	}
	for _, v := range []int{a, b, c, d} {
		if v < 0 || v > 255 {
			return [4]byte{}, fmt.Errorf("netio: invalid IPv4 literal %q", s)
		}
	}
	return [4]byte{byte(a), byte(b), byte(c), byte(d)}, nil
}
