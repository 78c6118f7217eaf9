// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"net/netip"
	"sync"

	"github.com/himsangseung/homa/wire"
)

// maxAcksPerPacket is the capacity of a peer's pending-ACK queue. When the
// queue fills, an explicit ACK packet is flushed rather than waiting for
// piggyback opportunities.
const maxAcksPerPacket = 16

// A Peer records per-remote state shared by every RPC addressed to one
// remote transport instance. Peers are reference counted: each live RPC
// holds a reference, and a peer with no references and no pending
// acknowledgments is scavenged by the timer.
type Peer struct {
	addr netip.AddrPort

	mu                 sync.Mutex
	refs               int
	outstandingResends int // RESENDs sent with no progress observed since

	remoteCutoffs [wire.NumPriorities]uint32 // cutoffs the peer asked us to use
	remoteVersion uint16                     // version of remoteCutoffs

	seenVersion    uint16 // our cutoff version most recently echoed by the peer
	lastCutoffTick uint64 // when we last sent CUTOFFS to this peer

	acks []wire.Ack // pending acknowledgments, FIFO

	// grantable is the peer's inbound RPCs awaiting grants, sorted ascending
	// by ungranted bytes then id. Guarded by the grant scheduler lock, not
	// the peer lock.
	grantable []*RPC
}

// Addr reports the link-level address of the peer.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// addAck queues an acknowledgment for piggybacking. If the queue is full the
// entire batch is returned and cleared, and the caller must send it as an
// explicit ACK packet.
func (p *Peer) addAck(a wire.Ack) (flush []wire.Ack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, a)
	if len(p.acks) >= maxAcksPerPacket {
		flush = p.acks
		p.acks = nil
	}
	return
}

// takeAck removes and returns the oldest pending acknowledgment for
// piggybacking on an outbound DATA packet, or a zero Ack if none is pending.
func (p *Peer) takeAck() wire.Ack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acks) == 0 {
		return wire.Ack{}
	}
	a := p.acks[0]
	p.acks = p.acks[1:]
	return a
}

// takeAllAcks removes and returns every pending acknowledgment.
func (p *Peer) takeAllAcks() []wire.Ack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.acks
	p.acks = nil
	return out
}

// setCutoffs installs a cutoff table received from the peer.
func (p *Peer) setCutoffs(c wire.Cutoffs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCutoffs = c.Cutoffs
	p.remoteVersion = c.Version
}

// unschedPriority chooses the priority for the unscheduled bytes of an
// outbound message of the given length: the highest level whose cutoff
// admits the length.
func (p *Peer) unschedPriority(dflt [wire.NumPriorities]uint32, length int) uint8 {
	p.mu.Lock()
	cutoffs := p.remoteCutoffs
	if p.remoteVersion == 0 {
		cutoffs = dflt
	}
	p.mu.Unlock()
	for i := wire.NumPriorities - 1; i > 0; i-- {
		if uint32(length) <= cutoffs[i] {
			return uint8(i)
		}
	}
	return 0
}

// echoVersion reports the version of the peer's cutoff table this end is
// using, echoed in outbound DATA so the peer can detect staleness.
func (p *Peer) echoVersion() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteVersion
}

// noteProgress clears the resend escalation counter; called whenever a
// packet evidencing liveness arrives from the peer.
func (p *Peer) noteProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends = 0
}

// noteResend counts an emitted RESEND and reports the total outstanding.
func (p *Peer) noteResend() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends++
	return p.outstandingResends
}

// resendCount reports the RESENDs outstanding against this peer.
func (p *Peer) resendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingResends
}

// A peerTable indexes peers by address with per-shard locking.
type peerTable struct {
	shards [16]peerShard
}

type peerShard struct {
	mu sync.Mutex
	m  map[netip.AddrPort]*Peer
}

func newPeerTable() *peerTable {
	t := new(peerTable)
	for i := range t.shards {
		t.shards[i].m = make(map[netip.AddrPort]*Peer)
	}
	return t
}

func (t *peerTable) shard(addr netip.AddrPort) *peerShard {
	h := uint64(addr.Port())
	for _, b := range addr.Addr().AsSlice() {
		h = h*131 + uint64(b)
	}
	return &t.shards[h%uint64(len(t.shards))]
}

// lookupOrCreate returns the peer for addr, creating it if necessary, with a
// new reference held for the caller.
func (t *peerTable) lookupOrCreate(addr netip.AddrPort) *Peer {
	s := t.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[addr]
	if !ok {
		p = &Peer{addr: addr}
		s.m[addr] = p
	}
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return p
}

// release drops a reference on p. Zero-reference peers linger in the table
// until the timer scavenges them, so a quick successor RPC can revive them.
func (t *peerTable) release(p *Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs <= 0 {
		panic("peer reference count underflow")
	}
	p.refs--
}

// scavenge removes peers that no RPC references and that have no pending
// acknowledgments to deliver. It reports the number removed.
func (t *peerTable) scavenge() int {
	var removed int
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for addr, p := range s.m {
			p.mu.Lock()
			idle := p.refs == 0 && len(p.acks) == 0
			p.mu.Unlock()
			if idle {
				delete(s.m, addr)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// numPeers counts the peers currently in the table.
func (t *peerTable) numPeers() int {
	var n int
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
