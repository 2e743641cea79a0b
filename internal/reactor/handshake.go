package reactor

import (
	"errors"

	"github.com/aiwannafly/socks-proxy/internal/netio"
	"github.com/aiwannafly/socks-proxy/internal/registry"
	"github.com/aiwannafly/socks-proxy/internal/socks5"
)

// handleGreeting and handleRequest drive a ClientFacing record through
// New -> Greeted -> (AwaitingConnect | Requested | Rejected). Both phases
// share the same shape: append newly-read bytes to rec.Pending (which
// doubles as the partial-frame accumulator during the handshake and as the
// pipelined-payload holder once the handshake completes), then try to
// parse a complete frame; if the frame isn't complete yet, wait for more
// data. A client that sends its greeting, request and first relay byte in
// one TCP segment is why this loops rather than processing at most one
// frame per read: a single read can hand us both handshake frames and the
// first relay byte at once.
func (r *Reactor) handleGreeting(rec *registry.Record, data []byte, eof bool) {
	rec.Pending = append(rec.Pending, data...)
	r.driveHandshake(rec, eof)
}

func (r *Reactor) handleRequest(rec *registry.Record, data []byte, eof bool) {
	rec.Pending = append(rec.Pending, data...)
	r.driveHandshake(rec, eof)
}

// driveHandshake advances rec through as many complete frames as are
// currently buffered in rec.Pending, stopping when either a frame is
// incomplete (wait for more data) or the phase has moved past Greeted
// (outbound connect is now in flight; remaining Pending is relay payload).
func (r *Reactor) driveHandshake(rec *registry.Record, eof bool) {
	for {
		switch rec.Phase {
		case registry.PhaseNew:
			g, n, err := socks5.ParseGreeting(rec.Pending)
			if err != nil {
				if errors.Is(err, socks5.ErrShortBuffer) {
					if eof {
						r.closeConnection(rec.Fd)
					}
					return
				}
				r.logf("fd %d: bad greeting: %v", rec.Fd, err)
				r.closeConnection(rec.Fd)
				return
			}
			rec.Pending = rec.Pending[n:]
			r.completeGreeting(rec, g)
			if rec.Phase == registry.PhaseRejected {
				return
			}
			continue

		case registry.PhaseGreeted:
			req, n, err := socks5.ParseRequest(rec.Pending)
			if err != nil {
				if errors.Is(err, socks5.ErrShortBuffer) {
					if eof {
						r.closeConnection(rec.Fd)
					}
					return
				}
				r.logf("fd %d: bad request: %v", rec.Fd, err)
				r.rejectWithStatus(rec, socks5.RepGeneralFailure, req)
				return
			}
			rec.Pending = rec.Pending[n:]
			r.completeRequest(rec, req)
			return

		default:
			// Past the handshake: remaining Pending is a pipelined relay
			// payload, flushed once the pair reaches Relaying (see
			// connect.go's completeConnect / the immediate-success path in
			// completeRequest).
			if eof {
				r.closeConnection(rec.Fd)
			}
			return
		}
	}
}

// completeGreeting picks a method for a newly-parsed greeting and queues
// the selection frame.
func (r *Reactor) completeGreeting(rec *registry.Record, g socks5.Greeting) {
	if g.Offers(socks5.MethodNoAuth) {
		r.enqueue(rec.Fd, socks5.EncodeMethodSelection(socks5.MethodNoAuth))
		r.reg.SetPhase(rec.Fd, registry.PhaseGreeted)
		return
	}
	r.enqueue(rec.Fd, socks5.EncodeMethodSelection(socks5.MethodNoAcceptable))
	r.reg.SetPhase(rec.Fd, registry.PhaseRejected)
	r.metrics.HandshakeRejects.Inc()
	r.closeAfterReply(rec.Fd)
}

// closeAfterReply closes fd once its queued reply frame has fully drained:
// immediately if the write completed inline, or deferred via ClosePending
// if the kernel only accepted part of it.
func (r *Reactor) closeAfterReply(fd int) {
	rec := r.reg.Get(fd)
	if rec == nil {
		return
	}
	if rec.Outbound == nil {
		r.closeConnection(fd)
		return
	}
	r.reg.MarkClosePending(fd)
}

// rejectWithStatus queues a reply with the given status and moves the
// client to Rejected. req is used only to echo ATYP/ADDR/PORT when
// available; on a parse failure it may be the zero value, in which case
// the reply falls back to a zero-filled IPv4 address — the ATYP byte must
// still be present even when there's no real address to echo.
func (r *Reactor) rejectWithStatus(rec *registry.Record, status byte, req socks5.Request) {
	atyp := req.AddrType
	if atyp == 0 {
		atyp = socks5.ATypIPv4
	}
	buf, err := socks5.EncodeReply(socks5.Reply{Status: status, AddrType: atyp, Addr: req.Addr, Port: req.Port})
	if err != nil {
		// Only EncodeReply-internal validation (e.g. a too-long domain)
		// can fail here; fall back to a bare IPv4 zero-reply so the client
		// still gets a deterministic close instead of silence.
		buf, _ = socks5.EncodeReply(socks5.Reply{Status: status, AddrType: socks5.ATypIPv4})
	}
	r.enqueue(rec.Fd, buf)
	r.reg.SetPhase(rec.Fd, registry.PhaseRejected)
	r.metrics.HandshakeRejects.Inc()
	r.metrics.HandshakeByStatus.WithLabelValues(statusLabel(status)).Inc()
	r.closeAfterReply(rec.Fd)
}

// completeRequest handles a syntactically valid CONNECT request: resolve
// the address, start the non-blocking connect, and queue either an
// immediate reply or defer until the connect completes. DOMAIN addresses
// are rejected rather than resolved, keeping the reactor single-threaded
// and non-blocking.
func (r *Reactor) completeRequest(rec *registry.Record, req socks5.Request) {
	if req.AddrType == socks5.ATypDomain {
		r.rejectWithStatus(rec, socks5.RepGeneralFailure, req)
		return
	}

	ip, err := netio.ParseIPv4Addr(req.Addr)
	if err != nil {
		r.rejectWithStatus(rec, socks5.RepGeneralFailure, req)
		return
	}

	rec.ReqAddrType = req.AddrType
	rec.ReqAddr = req.Addr
	rec.ReqPort = req.Port

	dial, err := netio.DialIPv4(ip, int(req.Port))
	if err != nil {
		r.logf("fd %d: connect to %s:%d failed: %v", rec.Fd, req.Addr, req.Port, err)
		r.rejectWithStatus(rec, mapConnectError(err), req)
		return
	}

	targetRec := r.reg.Add(dial.Fd, registry.RoleTargetFacing)
	r.reg.Pair(rec.Fd, dial.Fd)

	if dial.InProgress {
		r.reg.SetPhase(dial.Fd, registry.PhaseAwaitingConnect)
		if err := r.armWriteOnly(dial.Fd); err != nil {
			r.logf("fd %d: failed to arm outbound connect: %v", dial.Fd, err)
			r.closePair(rec.Fd)
			return
		}
		r.reg.SetPhase(rec.Fd, registry.PhaseRequested)
		return
	}

	// Connect completed synchronously.
	r.finishConnect(rec, targetRec, req)
}
