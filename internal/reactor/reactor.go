// Package reactor implements the single-threaded event loop that drives
// every client and target socket through the SOCKS5 handshake and, once
// paired, relays bytes between them. It owns exactly one epoll instance,
// one registry.Registry, one listening socket, and one self-pipe; nothing
// it touches is ever observed from a second goroutine.
package reactor

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aiwannafly/socks-proxy/internal/metrics"
	"github.com/aiwannafly/socks-proxy/internal/netio"
	"github.com/aiwannafly/socks-proxy/internal/registry"
	"github.com/aiwannafly/socks-proxy/internal/selfpipe"
)

// Defaults matching the reference proxy's idle-timeout and fd-budget sizing.
const (
	DefaultIdleTimeout = 3 * time.Minute
	DefaultMaxPairs    = 510
	listenBacklog      = 1024
)

// Config controls one Reactor instance.
type Config struct {
	Port        int
	IdleTimeout time.Duration // 0 -> DefaultIdleTimeout
	MaxPairs    int           // 0 -> DefaultMaxPairs
	Verbose     bool
	Metrics     *metrics.Metrics // nil -> a discarded, unregistered Metrics
}

// Reactor is the event loop. Construct with New, then call Run.
type Reactor struct {
	cfg Config

	epfd     int
	listenFd int
	pipe     *selfpipe.SelfPipe
	reg      *registry.Registry
	metrics  *metrics.Metrics

	idleTimeout time.Duration
	maxPairs    int
	shutdown    bool
}

// New creates the listening socket, the epoll instance, and the self-pipe,
// and registers the two well-known fds (listener, self-pipe read end) for
// read readiness. It does not
// start the loop — call Run for that.
func New(cfg Config) (*Reactor, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("reactor: port %d out of range", cfg.Port)
	}

	listenFd, err := netio.NewListener(cfg.Port, listenBacklog)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	pipe, err := selfpipe.New()
	if err != nil {
		unix.Close(listenFd)
		unix.Close(epfd)
		return nil, err
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	r := &Reactor{
		cfg:         cfg,
		epfd:        epfd,
		listenFd:    listenFd,
		pipe:        pipe,
		reg:         registry.New(),
		metrics:     m,
		idleTimeout: cfg.IdleTimeout,
		maxPairs:    cfg.MaxPairs,
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.maxPairs <= 0 {
		r.maxPairs = DefaultMaxPairs
	}

	r.reg.Add(listenFd, registry.RoleListener)
	r.reg.Add(pipe.ReadFd, registry.RoleSignalReader)

	if err := r.armRead(listenFd); err != nil {
		r.closeAll()
		return nil, err
	}
	if err := r.armRead(pipe.ReadFd); err != nil {
		r.closeAll()
		return nil, err
	}

	pipe.WatchSignals()

	return r, nil
}

// Signal delivers the shutdown token directly, for callers (tests, an
// admin endpoint) that want to trigger shutdown without going through a
// process signal.
func (r *Reactor) Signal() error {
	return r.pipe.Signal()
}

// Run blocks, servicing readiness events until a shutdown signal arrives,
// an idle timeout with no events fires, or a reactor-fatal error occurs.
// It always closes every tracked fd before returning — there is no
// half-open pair left behind.
func (r *Reactor) Run() error {
	defer r.closeAll()

	events := make([]unix.EpollEvent, r.maxPairs*2+8)
	waitMs := int(r.idleTimeout / time.Millisecond)

	for !r.shutdown {
		n, err := unix.EpollWait(r.epfd, events, waitMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		if n == 0 {
			r.logf("idle timeout after %s with no events, shutting down", r.idleTimeout)
			return nil
		}
		r.dispatch(events[:n])
	}
	return nil
}

// dispatch handles one batch of ready fds in ascending order, so the same
// readiness batch always processes in the same sequence.
func (r *Reactor) dispatch(events []unix.EpollEvent) {
	ordered := make([]unix.EpollEvent, len(events))
	copy(ordered, events)
	sortEventsByFd(ordered)

	for _, ev := range ordered {
		fd := int(ev.Fd)
		rec := r.reg.Get(fd)
		if rec == nil {
			// Closed earlier in this same batch by a peer's dispatch.
			continue
		}

		if ev.Events&(unix.EPOLLOUT) != 0 {
			r.handleWritable(rec)
			// A writable-triggered close may have removed rec; re-fetch.
			rec = r.reg.Get(fd)
			if rec == nil {
				continue
			}
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			r.handleReadable(rec)
		}
	}
}

func sortEventsByFd(events []unix.EpollEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].Fd > events[j].Fd; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}

func (r *Reactor) handleWritable(rec *registry.Record) {
	switch rec.Role {
	case registry.RoleTargetFacing:
		if rec.Phase == registry.PhaseAwaitingConnect {
			r.completeConnect(rec)
			return
		}
		r.drainOutbound(rec)
	case registry.RoleClientFacing:
		r.drainOutbound(rec)
	}
}

func (r *Reactor) handleReadable(rec *registry.Record) {
	switch rec.Role {
	case registry.RoleListener:
		r.acceptLoop()
	case registry.RoleSignalReader:
		r.handleSignalReadable()
	case registry.RoleClientFacing, registry.RoleTargetFacing:
		r.handleConnData(rec)
	}
}

func (r *Reactor) handleSignalReadable() {
	tok, err := r.pipe.Drain()
	if err != nil {
		r.logf("self-pipe read error: %v", err)
		return
	}
	if string(tok) == string(selfpipe.Token) {
		r.logf("shutdown signal received")
		r.shutdown = true
	}
}

// acceptLoop accepts until EAGAIN. Draining the whole backlog here doesn't
// starve other ready fds because each accepted connection only registers
// itself with epoll — it does no further work in this loop.
func (r *Reactor) acceptLoop() {
	for {
		fd, err := netio.Accept(r.listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.logf("accept error: %v", err)
			return
		}
		if r.reg.Len() >= r.maxPairs*2+3 {
			r.logf("fd budget exhausted, dropping new connection %d", fd)
			unix.Close(fd)
			continue
		}
		r.reg.Add(fd, registry.RoleClientFacing)
		if err := r.armRead(fd); err != nil {
			r.logf("failed to register new connection %d: %v", fd, err)
			r.reg.Remove(fd)
			unix.Close(fd)
			continue
		}
		r.metrics.ConnectionsOpened.Inc()
		r.logf("accepted connection %d", fd)
	}
}

// arm sets fd's epoll interest to events, choosing ADD or MOD based on
// whether this fd has ever been registered before — every interest change
// after the first goes through here so that bookkeeping stays correct
// regardless of call site.
func (r *Reactor) arm(fd int, events uint32) error {
	rec := r.reg.Get(fd)
	if rec == nil {
		return fmt.Errorf("reactor: arm on untracked fd %d", fd)
	}
	op := unix.EPOLL_CTL_MOD
	if !rec.Armed {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return err
	}
	rec.Armed = true
	return nil
}

func (r *Reactor) armRead(fd int) error {
	return r.arm(fd, unix.EPOLLIN)
}

func (r *Reactor) armReadWrite(fd int) error {
	return r.arm(fd, unix.EPOLLIN|unix.EPOLLOUT)
}

func (r *Reactor) armWriteOnly(fd int) error {
	return r.arm(fd, unix.EPOLLOUT)
}

// disarmRead drops read interest while keeping the fd registered, used for
// read-gating a relay side whose peer's outbound buffer is still full.
func (r *Reactor) disarmRead(fd int) error {
	var events uint32
	if rec := r.reg.Get(fd); rec != nil && rec.Outbound != nil {
		events = unix.EPOLLOUT
	}
	return r.arm(fd, events)
}

// closeConnection tears down fd and, if paired, leaves the peer's fate to
// the caller — most call sites close both sides of a pair together via
// closePair. closeConnection alone is for fds that never reached a pairing
// (rejected during handshake) and for call sites that settle the peer
// themselves (finishOneSide, completeConnect).
func (r *Reactor) closeConnection(fd int) {
	rec := r.reg.Get(fd)
	if rec == nil {
		return
	}
	// A relaying pair is counted exactly once: on the client side, since
	// every relaying client has exactly one relaying target paired to it.
	if rec.Role == registry.RoleClientFacing && rec.Phase == registry.PhaseRelaying {
		r.metrics.ActivePairs.Dec()
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.reg.Remove(fd)
	unix.Close(fd)
	r.metrics.ConnectionsClosed.Inc()
	r.logf("closed connection %d", fd)
}

// closePair closes fd and, if it has a peer, the peer too.
func (r *Reactor) closePair(fd int) {
	rec := r.reg.Get(fd)
	if rec == nil {
		return
	}
	peer := rec.Peer
	r.closeConnection(fd)
	if peer != -1 {
		r.closeConnection(peer)
	}
}

// closeAll tears down every tracked fd. The shutdown path drains write
// queues best-effort: one non-blocking write attempt per pending buffer,
// not a blocking flush — a peer slow to read its last bytes does not
// delay shutdown.
func (r *Reactor) closeAll() {
	for _, fd := range r.reg.All() {
		rec := r.reg.Get(fd)
		if rec == nil {
			continue
		}
		if rec.Role == registry.RoleListener || rec.Role == registry.RoleSignalReader {
			continue
		}
		if rec.Outbound != nil {
			netio.WriteAll(fd, rec.Outbound)
		}
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		r.reg.Remove(fd)
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, r.listenFd, nil)
	unix.Close(r.listenFd)
	unix.Close(r.epfd)
	r.pipe.Close()
}

func (r *Reactor) logf(format string, args ...interface{}) {
	if r.cfg.Verbose {
		log.Printf("[reactor] "+format, args...)
	}
}
