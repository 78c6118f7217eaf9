// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import "github.com/himsangseung/homa/wire"

// Tick runs one pass of the periodic timer: per-RPC silence accounting with
// RESEND, timeout, and NEED_ACK emission, dead-RPC reaping, a pacer cycle,
// and peer table scavenging.
//
// When Config.TickInterval is nonzero the transport calls Tick from its own
// timer goroutine; otherwise the caller drives it. Tick never blocks on user
// I/O and holds each lock only briefly.
func (t *Transport) Tick() {
	tick := t.ticks.Add(1)
	t.mu.Lock()
	socks := make([]*Socket, 0, len(t.socks))
	for _, sk := range t.socks {
		socks = append(socks, sk)
	}
	t.mu.Unlock()

	for _, sk := range socks {
		for _, r := range sk.activeRPCs() {
			t.checkRPC(sk, r, tick)
			r.put()
		}
		sk.reapDead(t.cfg.ReapBatch)
	}
	t.pacer.cycle()
	t.peers.scavenge()
}

// checkRPC applies the timer rules to one live RPC.
func (t *Transport) checkRPC(sk *Socket, r *RPC, tick uint64) {
	var (
		resend  *wire.Resend
		needAck bool
		timeout bool
		wireID  uint64
		dport   uint16
	)

	r.mu.Lock()
	if r.state == StateDead {
		r.mu.Unlock()
		return
	}
	wireID, dport = r.wireID(), r.dport

	switch {
	case r.state == StateInService:
		// The request is with the user; the peer owes us nothing.
		r.silentTicks = 0

	case r.msgout != nil && r.msgout.data != nil && r.msgout.nextXmit < r.msgout.xmitLimit():
		// Granted bytes are still queued on our side; we are the laggard.
		r.silentTicks = 0

	case r.msgin != nil && !r.msgin.complete() && func() bool {
		granted, stalled := t.grant.grantInfo(r)
		return stalled || r.msgin.bytesReceived >= granted
	}():
		// Everything we authorized has arrived, or we have no buffer space
		// to put more; silence is expected, not suspicious.
		r.silentTicks = 0

	case !r.isClient() && r.state == StateOutgoing && r.msgout != nil && r.msgout.done():
		// Reply fully transmitted: solicit an acknowledgment so the RPC can
		// be reaped, and time out if the client never answers.
		r.silentTicks++
		if r.doneTick == 0 {
			r.doneTick = tick
		} else if tick-r.doneTick >= uint64(t.cfg.RequestAckTicks) &&
			(r.lastNeedAck == 0 || tick-r.lastNeedAck >= uint64(t.cfg.RequestAckTicks)) {
			needAck = true
			r.lastNeedAck = tick
		}
		if r.silentTicks >= t.cfg.TimeoutTicks {
			timeout = true
		}

	default:
		// Expecting bytes from the peer: response data for a client,
		// request remainder for a server.
		r.silentTicks++
		if r.silentTicks >= t.cfg.TimeoutTicks || r.peer.resendCount() >= t.cfg.TimeoutResends {
			timeout = true
		} else if r.silentTicks >= t.cfg.ResendTicks &&
			(r.silentTicks-t.cfg.ResendTicks)%t.cfg.ResendInterval == 0 {
			resend = &wire.Resend{Priority: wire.NumPriorities - 1}
			if r.msgin != nil {
				lo, hi := r.msgin.firstMissing()
				resend.Offset = uint32(lo)
				resend.Length = uint32(hi - lo)
			} else {
				// Nothing has arrived at all; ask for everything.
				resend.Length = ^uint32(0)
			}
		}
	}
	r.mu.Unlock()

	if timeout {
		t.m.timeouts.Add(1)
		sk.failRPC(r, ErrTimeout)
		return
	}
	if resend != nil {
		t.m.resendSent.Add(1)
		r.peer.noteResend()
		t.send(&wire.Packet{
			Src: sk.port, Dst: dport, Type: wire.TResend, SenderID: wireID,
			Priority: wire.NumPriorities - 1,
			Payload:  resend.Encode(),
		}, r.peer.addr)
	}
	if needAck {
		t.send(&wire.Packet{
			Src: sk.port, Dst: dport, Type: wire.TNeedAck, SenderID: wireID,
			Priority: wire.NumPriorities - 1,
		}, r.peer.addr)
	}
}
