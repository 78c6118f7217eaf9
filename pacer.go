// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"sync"

	"github.com/creachadair/mds/heapq"
	"github.com/himsangseung/homa/wire"
)

// pacer serializes outbound DATA when the bytes already released to the link
// this cycle exceed ThrottleMinBytes. Throttled RPCs wait in a priority
// queue ordered by untransmitted bytes (shortest first) with FIFO
// tie-breaking, and drain one cycle at a time. The pacer has no goroutine of
// its own: it runs cooperatively from the transmit path and the timer tick.
type pacer struct {
	t *Transport

	mu     sync.Mutex
	q      *heapq.Queue[*RPC]
	queued int // bytes released to the link since the last cycle
	seq    uint64
}

func newPacer(t *Transport) *pacer {
	p := &pacer{t: t}
	p.q = heapq.New(func(a, b *RPC) int {
		if a.pc.remaining != b.pc.remaining {
			return a.pc.remaining - b.pc.remaining
		}
		switch {
		case a.pc.seq < b.pc.seq:
			return -1
		case a.pc.seq > b.pc.seq:
			return 1
		}
		return 0
	})
	return p
}

// admit decides whether r may transmit now. If the link is congested, r is
// queued for a later cycle instead and admit reports false. The caller holds
// the RPC lock.
func (p *pacer) admit(r *RPC) bool {
	if p.t.cfg.Flags&FlagDontThrottle != 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued <= p.t.cfg.ThrottleMinBytes {
		return true
	}
	p.enqueueLocked(r)
	return false
}

// enqueueLocked adds r to the throttled queue if it is not already waiting.
// The caller holds both the RPC lock and the pacer lock.
func (p *pacer) enqueueLocked(r *RPC) {
	if r.pc.throttled {
		return
	}
	r.pc.throttled = true
	r.pc.remaining = r.msgout.length - r.msgout.nextXmit
	p.seq++
	r.pc.seq = p.seq
	p.q.Add(r)
}

// charge records bytes released to the link against the current cycle.
func (p *pacer) charge(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued += n
}

// remove is a structural no-op: a dead RPC left in the queue is discarded
// when it surfaces, under its own lock, so eager removal is unnecessary.
func (p *pacer) remove(r *RPC) {}

// numThrottled reports the number of RPCs waiting on the pacer.
func (p *pacer) numThrottled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Len()
}

// cycle opens a fresh transmit budget and drains throttled RPCs in priority
// order until the budget is spent or the queue is empty.
func (p *pacer) cycle() {
	p.mu.Lock()
	p.queued = 0
	p.mu.Unlock()
	for {
		p.mu.Lock()
		if p.queued > p.t.cfg.ThrottleMinBytes {
			p.mu.Unlock()
			return
		}
		r, ok := p.q.Pop()
		if !ok {
			p.mu.Unlock()
			return
		}
		r.pc.throttled = false
		p.mu.Unlock()

		r.mu.Lock()
		if r.state != StateDead {
			p.t.xmitLocked(r, false)
		}
		r.mu.Unlock()
	}
}

// drain cycles until no throttled RPC remains; used at shutdown and in tests.
func (p *pacer) drain() {
	for {
		p.mu.Lock()
		empty := p.q.IsEmpty()
		p.mu.Unlock()
		if empty {
			return
		}
		p.cycle()
	}
}

// xmitLocked releases eligible packets of r's outbound message: everything
// from the transmit frontier up to the granted limit, rounded down to whole
// segments except at the end of the message. With force set, pacing is
// bypassed. The caller holds the RPC lock.
func (t *Transport) xmitLocked(r *RPC, force bool) {
	m := r.msgout
	if m == nil || m.data == nil {
		return
	}
	hi := m.xmitLimit()
	if hi < m.length {
		hi = m.segStart(hi) // partial segments wait for more grant
	}
	if m.nextXmit >= hi {
		return
	}
	if !force && !t.pacer.admit(r) {
		return
	}
	n := t.sendSegsLocked(r, m.nextXmit, hi, false, -1)
	m.nextXmit = hi
	t.pacer.charge(n)
}

// sendSegsLocked transmits the segments covering [lo, hi) of r's outbound
// message and reports the number of message bytes sent. With prioOverride < 0
// the priority is chosen per segment: unscheduled bytes carry the priority
// the peer's cutoff table assigns the message length, granted bytes the
// priority of the most recent GRANT. Retransmissions name the priority the
// RESEND asked for. The caller holds the RPC lock.
func (t *Transport) sendSegsLocked(r *RPC, lo, hi int, retransmit bool, prioOverride int) int {
	m := r.msgout
	var sent int
	for off := m.segStart(lo); off < hi; off += m.segSize {
		seg := m.seg(off)
		prio := m.schedPrio
		if off < m.unsched {
			prio = r.peer.unschedPriority(t.cfg.PriorityCutoffs, m.length)
		}
		if prioOverride >= 0 {
			prio = uint8(prioOverride)
		}
		t.send(&wire.Packet{
			Src:      r.sk.port,
			Dst:      r.dport,
			Type:     wire.TData,
			SenderID: r.wireID(),
			Priority: prio,
			Payload: wire.Data{
				MessageLength: uint32(m.length),
				Incoming:      uint32(m.xmitLimit()),
				CutoffVersion: r.peer.echoVersion(),
				Retransmit:    retransmit,
				Ack:           r.peer.takeAck(),
				Offset:        uint32(off),
				Seg:           seg,
			}.Encode(),
		}, r.peer.addr)
		sent += len(seg)
	}
	return sent
}
