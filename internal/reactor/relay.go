package reactor

import (
	"github.com/aiwannafly/socks-proxy/internal/netio"
	"github.com/aiwannafly/socks-proxy/internal/registry"
)

// handleConnData is the EPOLLIN handler shared by ClientFacing and
// TargetFacing fds once they are tracked past the listener/signal-pipe
// special cases.
func (r *Reactor) handleConnData(rec *registry.Record) {
	data, eof, err := netio.ReadAvailable(rec.Fd)
	if err != nil {
		r.logf("fd %d: read error: %v", rec.Fd, err)
		r.closePair(rec.Fd)
		return
	}

	switch rec.Role {
	case registry.RoleClientFacing:
		r.handleClientReadable(rec, data, eof)
	case registry.RoleTargetFacing:
		r.handleTargetReadable(rec, data, eof)
	}
}

// handleTargetReadable is only reachable once a pair has reached
// Relaying — a TargetFacing record is never armed for read before then.
func (r *Reactor) handleTargetReadable(rec *registry.Record, data []byte, eof bool) {
	if len(data) > 0 {
		r.metrics.BytesRelayed.Add(float64(len(data)))
		r.forwardToPeer(rec.Fd, rec.Peer, data)
	}
	if eof {
		r.finishOneSide(rec.Fd, rec.Peer)
	}
}

func (r *Reactor) handleClientReadable(rec *registry.Record, data []byte, eof bool) {
	switch rec.Phase {
	case registry.PhaseNew:
		r.handleGreeting(rec, data, eof)
	case registry.PhaseGreeted:
		r.handleRequest(rec, data, eof)
	case registry.PhaseRequested:
		// The client is held at Requested until the target connect
		// resolves; bytes arriving meanwhile are carried the same way
		// pipelined handshake bytes are, and flushed once Relaying starts.
		rec.Pending = append(rec.Pending, data...)
		if eof {
			r.closePair(rec.Fd)
		}
	case registry.PhaseRelaying:
		if len(data) > 0 {
			r.metrics.BytesRelayed.Add(float64(len(data)))
			r.forwardToPeer(rec.Fd, rec.Peer, data)
		}
		if eof {
			r.finishOneSide(rec.Fd, rec.Peer)
		}
	case registry.PhaseRejected:
		r.closeConnection(rec.Fd)
	}
}

// enqueue writes data to fd directly (not via a peer), used for handshake
// reply frames: method selection, CONNECT replies. Any unwritten remainder
// becomes fd's outbound buffer and fd is armed for write.
func (r *Reactor) enqueue(fd int, data []byte) {
	remaining, err := netio.WriteAll(fd, data)
	if err != nil {
		r.logf("fd %d: write error: %v", fd, err)
		r.closePair(fd)
		return
	}
	r.reg.SetOutbound(fd, remaining)
	if remaining == nil {
		return
	}
	if err := r.armReadWrite(fd); err != nil {
		r.logf("fd %d: failed to arm for write: %v", fd, err)
		r.closePair(fd)
	}
}

// forwardToPeer enqueues data as peerFd's outbound buffer and arms peerFd
// for write. On the steady-state relay path peerFd's Outbound is nil when
// this is called: senderFd is only ever armed for read again after
// peerFd's previous buffer fully drained (see drainOutbound's re-arm step
// below), so no two forwards from the same sender can race ahead of each
// other. The one call site where that invariant does not hold on its own
// is the tail of a CONNECT success reply: the target is held back from
// read until the reply drains (see connect.go's RelayArmPeer handling),
// but if that invariant is ever violated a non-nil Outbound here must be
// appended to, never overwritten, so no byte is lost or reordered.
func (r *Reactor) forwardToPeer(senderFd, peerFd int, data []byte) {
	peerRec := r.reg.Get(peerFd)
	if peerRec == nil {
		return
	}

	if peerRec.Outbound != nil {
		r.reg.SetOutbound(peerFd, append(peerRec.Outbound, data...))
		if err := r.disarmRead(senderFd); err != nil {
			r.logf("fd %d: failed to disarm read: %v", senderFd, err)
			r.closePair(senderFd)
			return
		}
		r.reg.SetGatedReader(peerFd, senderFd)
		return
	}

	remaining, err := netio.WriteAll(peerFd, data)
	if err != nil {
		r.logf("fd %d: write error: %v", peerFd, err)
		r.closePair(peerFd)
		return
	}

	r.reg.SetOutbound(peerFd, remaining)
	if remaining == nil {
		return
	}

	if err := r.armReadWrite(peerFd); err != nil {
		r.logf("fd %d: failed to arm for write: %v", peerFd, err)
		r.closePair(peerFd)
		return
	}
	// Read-gate the sender: it will not see another readable event for
	// senderFd until peerFd's buffer drains and re-arms it below, bounding
	// memory to one ReadCap-sized buffer in flight per direction.
	if err := r.disarmRead(senderFd); err != nil {
		r.logf("fd %d: failed to disarm read: %v", senderFd, err)
		r.closePair(senderFd)
		return
	}
	r.reg.SetGatedReader(peerFd, senderFd)
}

// drainOutbound flushes as much of rec's pending write buffer as the
// kernel will take. Called when rec is writable, whether or not it was
// gating a peer's reads.
func (r *Reactor) drainOutbound(rec *registry.Record) {
	if rec.Outbound == nil {
		// Spurious writable with nothing queued; just drop write interest.
		r.dropWriteInterest(rec)
		return
	}

	remaining, err := netio.WriteAll(rec.Fd, rec.Outbound)
	if err != nil {
		r.logf("fd %d: write error: %v", rec.Fd, err)
		r.closePair(rec.Fd)
		return
	}

	r.reg.SetOutbound(rec.Fd, remaining)
	if remaining != nil {
		return
	}

	if rec.ClosePending {
		r.closePair(rec.Fd)
		return
	}

	r.dropWriteInterest(rec)

	if rec.RelayArmPeer != -1 {
		targetFd := rec.RelayArmPeer
		r.reg.SetRelayArmPeer(rec.Fd, -1)
		targetRec := r.reg.Get(targetFd)
		if targetRec == nil {
			r.closeConnection(rec.Fd)
			return
		}
		r.beginRelay(rec, targetRec)
		return
	}

	if rec.GatedReader != -1 {
		gated := rec.GatedReader
		r.reg.SetGatedReader(rec.Fd, -1)
		if err := r.armRead(gated); err != nil {
			r.logf("fd %d: failed to re-arm gated reader: %v", gated, err)
			r.closePair(gated)
		}
	}
}

// dropWriteInterest re-registers rec for read-only interest now that its
// outbound buffer (if any) has fully drained. Target-facing fds that are
// already Relaying keep read armed; client-facing fds during the
// handshake also keep read armed (they're always read-armed already).
func (r *Reactor) dropWriteInterest(rec *registry.Record) {
	if err := r.armRead(rec.Fd); err != nil {
		r.logf("fd %d: failed to drop write interest: %v", rec.Fd, err)
		r.closePair(rec.Fd)
	}
}

// finishOneSide handles EOF on fd (whose peer is peerFd): fd has nothing
// more to send, so it closes now; peerFd is marked to close once its own
// outbound buffer (which may have just received fd's last bytes via
// forwardToPeer) fully drains — the half-close drain-then-close rule.
func (r *Reactor) finishOneSide(fd, peerFd int) {
	peerRec := r.reg.Get(peerFd)
	r.closeConnection(fd)
	if peerRec == nil {
		return
	}
	r.reg.ClearPeer(peerFd)
	if peerRec.Outbound != nil {
		r.reg.MarkClosePending(peerFd)
		return
	}
	r.closeConnection(peerFd)
}
