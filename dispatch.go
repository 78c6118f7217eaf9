// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"errors"
	"net/netip"

	"github.com/himsangseung/homa/wire"
)

// localCutoffVersion is the version of this transport's priority cutoff
// table. The table is fixed at configuration time, so a single nonzero
// version suffices: a peer echoing anything else has never seen it.
const localCutoffVersion = 1

// deliver routes one inbound packet to its RPC. Packets for unknown RPCs are
// answered with RPC_UNKNOWN, except that inbound DATA addressed to a
// server-role id creates the RPC, NEED_ACK is answered with an explicit ACK,
// and RPC_UNKNOWN, ACK and CUTOFFS packets are never answered (ACK and
// CUTOFFS are handled per peer, without an RPC lookup).
func (t *Transport) deliver(pkt *wire.Packet, from netip.AddrPort) {
	t.m.packetRecv.Add(1)
	t.logPacket(pkt, from, false)

	// ACK and CUTOFFS address a peer, not an RPC; handle them before the
	// socket lookup. An ACK entry names its own server port.
	switch pkt.Type {
	case wire.TAck:
		var a wire.AckBody
		if err := a.UnmarshalBinary(pkt.Payload); err != nil {
			t.m.packetDropped.Add(1)
			return
		}
		t.m.ackRecv.Add(int64(len(a.Acks)))
		t.handleAcks(from, a.Acks)
		return
	case wire.TCutoffs:
		var c wire.Cutoffs
		if err := c.UnmarshalBinary(pkt.Payload); err != nil {
			t.m.packetDropped.Add(1)
			return
		}
		p := t.peers.lookupOrCreate(from)
		p.setCutoffs(c)
		t.peers.release(p)
		return
	}

	t.mu.Lock()
	sk := t.socks[pkt.Dst]
	t.mu.Unlock()
	if sk == nil {
		t.m.packetDropped.Add(1)
		if pkt.Type != wire.TUnknown {
			t.sendUnknown(pkt, from)
		}
		return
	}

	id := pkt.LocalID()
	switch pkt.Type {
	case wire.TData:
		var d wire.Data
		if err := d.UnmarshalBinary(pkt.Payload); err != nil {
			t.m.packetDropped.Add(1)
			return
		}
		if !d.Ack.IsZero() {
			t.handleAcks(from, []wire.Ack{d.Ack})
		}
		r := sk.findRPC(from, id)
		if r == nil {
			if id&1 == 0 {
				// A response segment for a client RPC we no longer have.
				t.sendUnknown(pkt, from)
				return
			}
			var err error
			r, err = sk.allocServer(from, pkt.Src, id)
			if err != nil {
				t.m.packetDropped.Add(1)
				return
			}
		}
		t.handleData(sk, r, from, &d)

	default:
		r := sk.findRPC(from, id)
		if r == nil {
			if pkt.Type == wire.TNeedAck {
				// The RPC is gone because its response was consumed; that is
				// exactly what the solicitor wants to hear.
				t.ackUnknown(sk, pkt, from)
				return
			}
			t.m.packetDropped.Add(1)
			if pkt.Type != wire.TUnknown {
				t.sendUnknown(pkt, from)
			}
			return
		}
		switch pkt.Type {
		case wire.TGrant:
			t.handleGrant(r, pkt)
		case wire.TResend:
			t.handleResend(sk, r, pkt)
		case wire.TUnknown:
			t.handleUnknown(sk, r)
		case wire.TBusy:
			r.mu.Lock()
			r.silentTicks = 0
			r.mu.Unlock()
			r.peer.noteProgress()
		case wire.TNeedAck:
			t.handleNeedAck(sk, r)
		case wire.TFreeze:
			// Debug hook; accepted with no protocol effect.
		}
	}
}

// findRPC locates the RPC for a local id: client RPCs by id, server RPCs by
// (peer, id). A found RPC is by construction not DEAD, since ending an RPC
// removes it from these indices.
func (s *Socket) findRPC(from netip.AddrPort, id uint64) *RPC {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id&1 == 0 {
		r := s.clients[id]
		if r != nil && r.peer.addr != from {
			return nil
		}
		return r
	}
	return s.servers[serverKey{from, id}]
}

// allocServer installs a server RPC for the first request segment of id.
func (s *Socket) allocServer(from netip.AddrPort, srcPort uint16, id uint64) (*RPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrShutdown
	}
	key := serverKey{from, id}
	if r, ok := s.servers[key]; ok {
		return r, nil
	}
	r := &RPC{
		sk:        s,
		peer:      s.t.peers.lookupOrCreate(from),
		id:        id,
		dport:     srcPort,
		state:     StateIncoming,
		activeIdx: -1,
	}
	r.gr.rank = -1
	s.servers[key] = r
	s.addActiveLocked(r)
	s.t.m.serverRPCs.Add(1)
	return r, nil
}

// handleData installs a DATA segment into the RPC's inbound message, drives
// grant bookkeeping, and completes the message when the last hole fills.
func (t *Transport) handleData(sk *Socket, r *RPC, from netip.AddrPort, d *wire.Data) {
	r.mu.Lock()
	if r.state == StateDead || r.state == StateInService {
		r.mu.Unlock()
		t.m.packetDropped.Add(1)
		return
	}
	if r.isClient() && r.state == StateOutgoing {
		r.state = StateIncoming // the response has started to arrive
	}

	if r.msgin == nil {
		length := int(d.MessageLength)
		if length <= 0 || length > MaxMessageLength || sk.pool == nil {
			r.mu.Unlock()
			t.m.packetDropped.Add(1)
			return
		}
		r.msgin = newMsgin(sk.pool, length)
		granted := max(t.cfg.UnschedBytes, int(d.Incoming))
		t.grant.addMsgin(r, length, granted)
	}

	added, err := r.msgin.addPacket(int(d.Offset), d.Seg, t.ticks.Load())
	if errors.Is(err, ErrNoSpace) {
		r.mu.Unlock()
		t.m.noBuffers.Add(1)
		t.grant.markStalled(r)
		return
	} else if err != nil {
		r.mu.Unlock()
		t.m.packetDropped.Add(1)
		return
	}
	if added == 0 {
		t.m.duplicates.Add(1)
	}
	r.silentTicks = 0
	r.peer.noteProgress()
	t.grant.observeIncoming(r, int(d.Incoming))

	if d.CutoffVersion != localCutoffVersion {
		t.maybeSendCutoffs(sk, r.peer, r.dport, r.wireID())
	}

	if !r.msgin.complete() {
		t.grant.noteProgress(r, r.msgin.bytesReceived, false)
		r.mu.Unlock()
		return
	}
	t.grant.noteProgress(r, r.msgin.length, true)

	length := r.msgin.length
	bpages := r.msgin.take()
	msg := &Message{
		sk:     sk,
		rpc:    r,
		From:   Addr{Host: from, Port: r.dport},
		ID:     r.id,
		Length: length,
		bpages: bpages,
	}
	if r.isClient() {
		msg.Cookie = r.cookie
		r.msgin = nil
		r.mu.Unlock()

		if !sk.endRPC(r, nil) {
			// Lost a teardown race; the waiter already saw a failure.
			sk.pool.FreeAll(bpages)
			return
		}
		if flush := r.peer.addAck(wire.Ack{ServerPort: r.dport, ClientID: r.id}); flush != nil {
			t.sendAck(sk, from, flush)
		}
		sk.deliver(msg)
		return
	}
	msg.IsRequest = true
	r.msgin = nil
	r.state = StateInService
	r.silentTicks = 0
	r.mu.Unlock()
	sk.deliver(msg)
}

// handleGrant raises the transmit authorization of an outgoing message.
// Grants are monotone: a stale or duplicate GRANT never lowers the bound.
func (t *Transport) handleGrant(r *RPC, pkt *wire.Packet) {
	var g wire.Grant
	if err := g.UnmarshalBinary(pkt.Payload); err != nil {
		t.m.packetDropped.Add(1)
		return
	}
	t.m.grantRecv.Add(1)
	r.peer.noteProgress()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silentTicks = 0
	if r.msgout == nil || r.msgout.data == nil {
		return
	}
	if g.ResendAll {
		// The receiver restarted; retransmit everything already released.
		t.sendSegsLocked(r, 0, r.msgout.nextXmit, true, int(g.Priority))
	}
	if r.msgout.grant(int(g.Offset), g.Priority) {
		t.xmitLocked(r, false)
	}
}

// handleResend retransmits the named byte range, or answers BUSY when the
// bytes are not ours to send yet: the request is being serviced, or the
// range lies beyond the transmit frontier.
func (t *Transport) handleResend(sk *Socket, r *RPC, pkt *wire.Packet) {
	var rs wire.Resend
	if err := rs.UnmarshalBinary(pkt.Payload); err != nil {
		t.m.packetDropped.Add(1)
		return
	}
	t.m.resendRecv.Add(1)
	r.peer.noteProgress()

	r.mu.Lock()
	r.silentTicks = 0
	busy := false
	if r.state == StateInService || r.msgout == nil || r.msgout.data == nil {
		busy = true
	} else {
		m := r.msgout
		lo := int(rs.Offset)
		hi := m.length
		if rs.Length != ^uint32(0) && lo+int(rs.Length) < hi {
			hi = lo + int(rs.Length)
		}
		if lo >= m.nextXmit {
			busy = true // asked for bytes we have not released yet
		} else {
			t.sendSegsLocked(r, lo, min(hi, m.nextXmit), true, int(rs.Priority))
		}
	}
	id := r.wireID()
	r.mu.Unlock()

	if busy {
		t.m.busySent.Add(1)
		t.send(&wire.Packet{
			Src: sk.port, Dst: pkt.Src, Type: wire.TBusy, SenderID: id,
			Priority: wire.NumPriorities - 1,
		}, r.peer.addr)
	}
}

// handleUnknown reacts to the peer disclaiming an RPC: a client fails the
// call; a server treats it as an implicit acknowledgment of the response.
func (t *Transport) handleUnknown(sk *Socket, r *RPC) {
	if r.isClient() {
		sk.failRPC(r, ErrUnknownRPC)
	} else {
		sk.endRPC(r, nil)
	}
}

// handleNeedAck answers a server's solicitation for a live RPC. The RPC
// itself is not acknowledgeable while its response is still incomplete, but
// anything already pending for the peer is flushed. A NEED_ACK whose RPC is
// gone never reaches here; the dispatcher answers it with an explicit ACK.
func (t *Transport) handleNeedAck(sk *Socket, r *RPC) {
	if acks := r.peer.takeAllAcks(); len(acks) > 0 {
		t.sendAck(sk, r.peer.addr, acks)
	}
}

// handleAcks retires server RPCs named in explicit or piggybacked acks.
func (t *Transport) handleAcks(from netip.AddrPort, acks []wire.Ack) {
	for _, a := range acks {
		t.mu.Lock()
		sk := t.socks[a.ServerPort]
		t.mu.Unlock()
		if sk == nil {
			continue
		}
		sk.mu.Lock()
		r := sk.servers[serverKey{from, a.ClientID ^ 1}]
		sk.mu.Unlock()
		if r != nil {
			sk.endRPC(r, nil)
		}
	}
}
