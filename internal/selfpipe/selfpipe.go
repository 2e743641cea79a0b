// Package selfpipe implements the reactor-observable shutdown signal:
// SIGINT and SIGTERM are funneled into a pipe whose read end the reactor
// multiplexes like any other fd, and whose write end anything can signal
// from with a single bounded, non-blocking write.
//
// The original C source's signal handler called the process's own
// loop-until-done write_all from inside a signal handler, which is not
// async-signal-safe. Go doesn't let user code install a raw signal handler
// at all — signal.Notify plus a small forwarding goroutine is the language's
// equivalent boundary, and the only work that goroutine does is a single
// direct write of a fixed-length token.
package selfpipe

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Token is the fixed shutdown sentinel written to the pipe. Its exact bytes
// carry no meaning beyond "shutdown" — the reactor never inspects the
// payload beyond checking it matches.
var Token = []byte("stop")

// SelfPipe is a non-blocking pipe(2) pair. ReadFd is registered with the
// reactor's epoll instance; WriteFd is written to by Signal.
type SelfPipe struct {
	ReadFd  int
	WriteFd int

	stopWatch chan struct{}
}

// New creates a non-blocking self-pipe.
func New() (*SelfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("selfpipe: pipe2: %w", err)
	}
	return &SelfPipe{ReadFd: fds[0], WriteFd: fds[1]}, nil
}

// Signal writes the shutdown token. Safe to call more than once; WriteFd is
// non-blocking, and a full pipe buffer (EAGAIN) is not reported: the token
// is dropped and Signal returns nil.
func (p *SelfPipe) Signal() error {
	_, err := unix.Write(p.WriteFd, Token)
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return fmt.Errorf("selfpipe: write: %w", err)
	}
	return nil
}

// Drain reads and discards a readiness notification on ReadFd. The reactor
// calls this once it sees ReadFd readable, before deciding whether the
// bytes read match Token.
func (p *SelfPipe) Drain() ([]byte, error) {
	buf := make([]byte, len(Token))
	n, err := unix.Read(p.ReadFd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("selfpipe: read: %w", err)
	}
	return buf[:n], nil
}

// Close closes both ends.
func (p *SelfPipe) Close() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
	}
	err1 := unix.Close(p.ReadFd)
	err2 := unix.Close(p.WriteFd)
	if err1 != nil {
		return err1
	}
	return err2
}

// WatchSignals arranges for SIGINT and SIGTERM to call Signal. It owns the
// forwarding goroutine for the lifetime of the SelfPipe (until Close).
func (p *SelfPipe) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	p.stopWatch = make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				_ = p.Signal()
			case <-p.stopWatch:
				signal.Stop(sigCh)
				return
			}
		}
	}()
}
