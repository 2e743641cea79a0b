package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/aiwannafly/socks-proxy/internal/netio"
	"github.com/aiwannafly/socks-proxy/internal/registry"
	"github.com/aiwannafly/socks-proxy/internal/socks5"
)

// completeConnect runs when a TargetFacing fd in PhaseAwaitingConnect
// becomes writable — the non-blocking connect(2) issued in
// handshake.go's completeRequest has resolved one way or the other.
func (r *Reactor) completeConnect(rec *registry.Record) {
	clientRec := r.reg.Get(rec.Peer)
	if clientRec == nil {
		// Client already gone (e.g. it disconnected mid-Requested); nothing
		// to reply to, just tear the half-built pair down.
		r.closeConnection(rec.Fd)
		return
	}

	if err := netio.ConnectError(rec.Fd); err != nil {
		r.logf("fd %d: outbound connect failed: %v", rec.Fd, err)
		req := socks5.Request{AddrType: clientRec.ReqAddrType, Addr: clientRec.ReqAddr, Port: clientRec.ReqPort}
		r.reg.ClearPeer(clientRec.Fd)
		r.closeConnection(rec.Fd)
		r.rejectWithStatus(clientRec, mapConnectError(err), req)
		return
	}

	req := socks5.Request{AddrType: clientRec.ReqAddrType, Addr: clientRec.ReqAddr, Port: clientRec.ReqPort}
	r.finishConnect(clientRec, rec, req)
}

// finishConnect is the success path shared by a connect that completed
// synchronously (from completeRequest) and one that completed
// asynchronously (from completeConnect above): queue the success reply,
// echoing the client's own requested address and port, and only start the
// relay once that reply has actually left the socket. A CONNECT reply is
// always for an IPv4 destination here — completeRequest rejects DOMAIN
// before a connect is ever attempted.
func (r *Reactor) finishConnect(clientRec, targetRec *registry.Record, req socks5.Request) {
	buf, err := socks5.EncodeReply(socks5.Reply{Status: socks5.RepSuccess, AddrType: socks5.ATypIPv4, Addr: req.Addr, Port: req.Port})
	if err != nil {
		// EncodeReply only fails on a too-long domain or bad literal; an
		// already-dialed IPv4 address can't hit either.
		r.closePair(clientRec.Fd)
		return
	}
	r.metrics.HandshakeByStatus.WithLabelValues(statusLabel(socks5.RepSuccess)).Inc()

	r.enqueue(clientRec.Fd, buf)
	clientRec = r.reg.Get(clientRec.Fd)
	if clientRec == nil {
		// enqueue hit a write error and tore the pair down already.
		return
	}

	if clientRec.Outbound != nil {
		// The reply only partially drained; hold the target back from read
		// (and both sides out of Relaying) until drainOutbound finishes
		// writing it, so no target byte can reach the client ahead of the
		// rest of its own CONNECT reply.
		r.reg.SetRelayArmPeer(clientRec.Fd, targetRec.Fd)
		return
	}

	r.beginRelay(clientRec, targetRec)
}

// beginRelay moves both sides of a pair into Relaying once the client's
// CONNECT reply is confirmed fully written: arms the target for read and
// flushes any pipelined bytes the client already sent ahead of the reply.
func (r *Reactor) beginRelay(clientRec, targetRec *registry.Record) {
	r.reg.SetPhase(targetRec.Fd, registry.PhaseRelaying)
	if err := r.armRead(targetRec.Fd); err != nil {
		r.logf("fd %d: failed to arm target for relay: %v", targetRec.Fd, err)
		r.closePair(clientRec.Fd)
		return
	}

	r.reg.SetPhase(clientRec.Fd, registry.PhaseRelaying)
	r.metrics.ActivePairs.Inc()

	if len(clientRec.Pending) > 0 {
		payload := clientRec.Pending
		clientRec.Pending = nil
		r.metrics.BytesRelayed.Add(float64(len(payload)))
		r.forwardToPeer(clientRec.Fd, targetRec.Fd, payload)
	}
}

// mapConnectError maps a failed connect(2) to a SOCKS5 reply status:
// refused, network-unreachable and host-unreachable get their specific
// codes, everything else collapses to general failure.
func mapConnectError(err error) byte {
	switch err {
	case unix.ECONNREFUSED:
		return socks5.RepConnRefused
	case unix.ENETUNREACH:
		return socks5.RepNetworkUnreachable
	case unix.EHOSTUNREACH:
		return socks5.RepHostUnreachable
	default:
		return socks5.RepGeneralFailure
	}
}

func statusLabel(status byte) string {
	switch status {
	case socks5.RepSuccess:
		return "success"
	case socks5.RepGeneralFailure:
		return "general_failure"
	case socks5.RepConnNotAllowed:
		return "conn_not_allowed"
	case socks5.RepNetworkUnreachable:
		return "network_unreachable"
	case socks5.RepHostUnreachable:
		return "host_unreachable"
	case socks5.RepConnRefused:
		return "conn_refused"
	case socks5.RepCmdNotSupported:
		return "cmd_not_supported"
	case socks5.RepAddrTypeNotSupported:
		return "addr_type_not_supported"
	default:
		return "other"
	}
}
