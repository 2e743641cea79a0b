// Package registry holds the reactor's per-fd state: the single map this
// whole proxy is built around instead of the original C source's parallel
// translation_table/status_table/message_queue arrays keyed by fd.
package registry

import (
	"fmt"
	"sort"
)

// Role identifies what kind of endpoint an fd is.
type Role int

const (
	RoleListener Role = iota
	RoleSignalReader
	RoleClientFacing
	RoleTargetFacing
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleSignalReader:
		return "signal-reader"
	case RoleClientFacing:
		return "client"
	case RoleTargetFacing:
		return "target"
	default:
		return "unknown"
	}
}

// Phase is the handshake phase of a ClientFacing record, or the connect
// phase of a TargetFacing one. Meaningless for Listener/SignalReader.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseGreeted
	PhaseAwaitingConnect
	PhaseRequested
	PhaseRelaying
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseGreeted:
		return "greeted"
	case PhaseAwaitingConnect:
		return "awaiting-connect"
	case PhaseRequested:
		return "requested"
	case PhaseRelaying:
		return "relaying"
	case PhaseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Record is one tracked fd's full state, built to make three invariants
// easy to hold: peer symmetry, the want_write mirror, and the
// single-outbound-buffer-per-fd rule.
type Record struct {
	Fd    int
	Role  Role
	Phase Phase

	// Peer is the paired fd once a CONNECT has started, or -1.
	Peer int

	// Outbound is the single pending write buffer for this fd, or nil.
	// Owned by the Record until fully written.
	Outbound []byte

	// WantWrite mirrors whether Fd is currently registered for write
	// readiness: true iff Outbound != nil, or the record is TargetFacing in
	// PhaseAwaitingConnect.
	WantWrite bool

	// Pending holds bytes read past a completed handshake frame during
	// New/Greeted — the pipelining rule requires these be forwarded as the
	// first relay payload once the pair reaches Relaying.
	Pending []byte

	// GatedReader is the fd whose read interest was disarmed because this
	// record's Outbound was non-empty when data last arrived from it
	// (read-gating). Re-armed for read once Outbound drains. -1 when no fd
	// is gated on this one.
	GatedReader int

	// ClosePending marks a record whose peer already hit EOF: once this
	// record's Outbound fully drains, the reactor closes the pair instead
	// of leaving it open (the half-close drain-then-close rule).
	ClosePending bool

	// Armed is true once the reactor has issued an EPOLL_CTL_ADD for Fd,
	// so it knows whether the next interest change is an ADD or a MOD.
	Armed bool

	// ReqAddrType/ReqAddr/ReqPort stash the client's CONNECT target so an
	// asynchronous connect failure (detected later, on the target fd
	// becoming writable) can still echo ATYP/ADDR/PORT in the failure
	// reply.
	ReqAddrType byte
	ReqAddr     string
	ReqPort     uint16

	// RelayArmPeer holds the paired target fd while this (client) record's
	// CONNECT success reply is still draining from a partial write. The
	// target is not armed for read, and neither side moves to Relaying,
	// until this record's Outbound empties out — otherwise target bytes
	// could reach forwardToPeer and race the still-unsent tail of the
	// reply. -1 when nothing is waiting on this record's drain.
	RelayArmPeer int

	// id is a monotonically increasing identifier used only for log
	// correlation; it carries no protocol meaning.
	id uint64
}

// Registry maps tracked fds to their Record. The two well-known fds
// (listener, signal-pipe read end) are permanent members for the process
// lifetime; everything else comes and goes with Add/Remove.
type Registry struct {
	records map[int]*Record
	nextID  uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{records: make(map[int]*Record)}
}

// Add creates and inserts a new record for fd. Panics if fd is already
// tracked — that would indicate a reactor bug (a closed fd's number reused
// before Remove ran), not a recoverable condition.
func (r *Registry) Add(fd int, role Role) *Record {
	if _, exists := r.records[fd]; exists {
		panic(fmt.Sprintf("registry: fd %d already tracked", fd))
	}
	r.nextID++
	rec := &Record{Fd: fd, Role: role, Phase: PhaseNew, Peer: -1, GatedReader: -1, RelayArmPeer: -1, id: r.nextID}
	r.records[fd] = rec
	return rec
}

// Get returns the record for fd, or nil if untracked.
func (r *Registry) Get(fd int) *Record {
	return r.records[fd]
}

// Pair links a and b as peers symmetrically.
func (r *Registry) Pair(a, b int) {
	ra, rb := r.records[a], r.records[b]
	if ra == nil || rb == nil {
		panic("registry: Pair on untracked fd")
	}
	ra.Peer = b
	rb.Peer = a
}

// Remove deletes fd's record. The caller is responsible for closing the fd
// itself — Remove only drops the bookkeeping. No record persists past its
// fd's close because both happen inline, never interleaved with another
// fd's dispatch.
func (r *Registry) Remove(fd int) {
	delete(r.records, fd)
}

// Len reports how many fds are currently tracked (including the two
// well-known ones once added).
func (r *Registry) Len() int {
	return len(r.records)
}

// SetOutbound installs buf as fd's pending write buffer, replacing any
// prior one, and sets WantWrite. Passing a nil/empty buf clears it instead
// (used once WriteAll reports no remainder).
func (r *Registry) SetOutbound(fd int, buf []byte) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	if len(buf) == 0 {
		rec.Outbound = nil
	} else {
		rec.Outbound = buf
	}
	rec.refreshWantWrite()
}

func (rec *Record) refreshWantWrite() {
	rec.WantWrite = rec.Outbound != nil || (rec.Role == RoleTargetFacing && rec.Phase == PhaseAwaitingConnect)
}

// SetPhase transitions fd's phase and keeps WantWrite consistent (entering
// or leaving TargetFacing/AwaitingConnect changes whether WantWrite holds
// independent of Outbound).
func (r *Registry) SetPhase(fd int, phase Phase) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	rec.Phase = phase
	rec.refreshWantWrite()
}

// SetGatedReader records that readFd's read interest is disarmed pending
// fd's Outbound draining. Pass -1 to clear.
func (r *Registry) SetGatedReader(fd, readFd int) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	rec.GatedReader = readFd
}

// SetRelayArmPeer records that targetFd should be armed for read (and the
// pair moved to Relaying) once fd's Outbound buffer fully drains. Pass -1
// to clear.
func (r *Registry) SetRelayArmPeer(fd, targetFd int) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	rec.RelayArmPeer = targetFd
}

// MarkClosePending flags fd to be closed (along with its peer) once its
// Outbound buffer fully drains.
func (r *Registry) MarkClosePending(fd int) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	rec.ClosePending = true
}

// ClearPeer detaches fd's peer link without touching the peer's own
// record — used when the peer fd has already been closed and removed.
func (r *Registry) ClearPeer(fd int) {
	rec := r.records[fd]
	if rec == nil {
		return
	}
	rec.Peer = -1
}

// CheckInvariants walks every tracked record and verifies peer symmetry,
// relaying pairs, and the want_write mirror. The no-record-persists-past-
// close property is a closing-discipline rule, not a per-iteration
// structural one, and is exercised by the reactor's own close bookkeeping
// instead. Returns the first violation found, or nil. Intended for use in
// tests, not the hot path.
func (r *Registry) CheckInvariants() error {
	for fd, rec := range r.records {
		if fd != rec.Fd {
			return fmt.Errorf("registry: key %d does not match record fd %d", fd, rec.Fd)
		}
		if rec.Peer != -1 {
			peer := r.records[rec.Peer]
			if peer == nil {
				return fmt.Errorf("registry: fd %d points to untracked peer %d", fd, rec.Peer)
			}
			if peer.Peer != fd {
				return fmt.Errorf("registry: peer relation asymmetric: %d -> %d -> %d", fd, rec.Peer, peer.Peer)
			}
		}
		if rec.Role == RoleClientFacing && rec.Phase == PhaseRelaying {
			if rec.Peer == -1 {
				return fmt.Errorf("registry: relaying client %d has no peer", fd)
			}
			peer := r.records[rec.Peer]
			if peer == nil || peer.Role != RoleTargetFacing || peer.Phase != PhaseRelaying {
				return fmt.Errorf("registry: relaying client %d paired with non-relaying target", fd)
			}
		}
		wantWrite := rec.Outbound != nil || (rec.Role == RoleTargetFacing && rec.Phase == PhaseAwaitingConnect)
		if rec.WantWrite != wantWrite {
			return fmt.Errorf("registry: fd %d want_write=%v, expected %v", fd, rec.WantWrite, wantWrite)
		}
		if rec.Phase == PhaseRejected && rec.Outbound != nil {
			return fmt.Errorf("registry: rejected fd %d still has outbound data", fd)
		}
	}
	return nil
}

// All returns every tracked fd, ascending, for deterministic dispatch
// order — several call sites (shutdown, tests) want the same ordering
// over the whole registry that the reactor uses for ready fds.
func (r *Registry) All() []int {
	fds := make([]int, 0, len(r.records))
	for fd := range r.records {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}
