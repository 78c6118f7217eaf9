// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"sort"
	"sync"
)

// grantScheduler allocates inbound bandwidth among the incoming messages of
// every socket on the transport, by SRPT: the messages with the fewest
// ungranted bytes are granted first, at most GrantActiveRPCs at a time, each
// kept GrantWindow bytes ahead of its received frontier.
//
// To honor the lock order (rpc before grant) the scheduler never takes an
// RPC lock. It works from the grantState mirror on each RPC, which only this
// lock guards, and which the owning RPC's handlers refresh while they hold
// their own RPC lock.
type grantScheduler struct {
	t *Transport

	mu     sync.Mutex
	active []*RPC  // the ranked grant set, shortest ungranted first
	peers  []*Peer // peers with at least one grantable RPC
}

func newGrantScheduler(t *Transport) *grantScheduler {
	return &grantScheduler{t: t}
}

// addMsgin registers a new incoming message. granted is the initial
// authorization (the unscheduled prefix, raised by the sender's advertised
// incoming bytes). The caller holds the RPC lock.
func (g *grantScheduler) addMsgin(r *RPC, length, granted int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.gr.length = length
	r.gr.recv = 0
	r.gr.granted = min(granted, length)
	r.gr.rank = -1
	if r.gr.granted < length {
		g.listInsertLocked(r)
	}
	g.recalcLocked()
}

// noteProgress mirrors receive progress for r and re-runs grant selection.
// The caller holds the RPC lock.
func (g *grantScheduler) noteProgress(r *RPC, recv int, complete bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if complete {
		g.detachLocked(r)
	} else {
		r.gr.recv = recv
		r.gr.stalled = false
		if r.gr.listed {
			// Receipt does not change ungranted bytes, but an earlier raise
			// of granted may have; keep the peer list sorted.
			g.listRemoveLocked(r)
			if r.gr.granted < r.gr.length {
				g.listInsertLocked(r)
			}
		}
	}
	g.recalcLocked()
}

// markStalled records that r could not obtain bpages. Stalled RPCs are
// withheld from the active set so grants go where they can be used.
func (g *grantScheduler) markStalled(r *RPC) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.gr.stalled = true
	g.recalcLocked()
}

// poolSpaceFreed clears the stall markers of every RPC receiving into sk's
// region and re-runs selection; called when the user returns bpages.
func (g *grantScheduler) poolSpaceFreed(sk *Socket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var changed bool
	for _, p := range g.peers {
		for _, r := range p.grantable {
			if r.sk == sk && r.gr.stalled {
				r.gr.stalled = false
				changed = true
			}
		}
	}
	if changed {
		g.recalcLocked()
	}
}

// remove detaches r from all scheduler state.
func (g *grantScheduler) remove(r *RPC) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detachLocked(r)
	g.recalcLocked()
}

// grantInfo reports the scheduler's authorization and stall marker for r,
// for the timer's suppression checks.
func (g *grantScheduler) grantInfo(r *RPC) (granted int, stalled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return r.gr.granted, r.gr.stalled
}

// observeIncoming raises the authorization mirror to what the sender already
// considers itself authorized to send, as advertised on its DATA packets.
// The caller holds the RPC lock.
func (g *grantScheduler) observeIncoming(r *RPC, incoming int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if incoming <= r.gr.granted {
		return
	}
	r.gr.granted = min(incoming, r.gr.length)
	if r.gr.listed {
		g.listRemoveLocked(r)
		if r.gr.granted < r.gr.length {
			g.listInsertLocked(r)
		}
		g.recalcLocked()
	}
}

// numActive reports the size of the active grant set.
func (g *grantScheduler) numActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

func (g *grantScheduler) detachLocked(r *RPC) {
	g.listRemoveLocked(r)
	if r.gr.rank >= 0 {
		for i, a := range g.active {
			if a == r {
				g.active = append(g.active[:i], g.active[i+1:]...)
				break
			}
		}
		r.gr.rank = -1
	}
}

// listInsertLocked places r in its peer's grantable list, sorted ascending
// by ungranted bytes with ties broken toward the lower id.
func (g *grantScheduler) listInsertLocked(r *RPC) {
	p := r.peer
	if len(p.grantable) == 0 {
		g.peers = append(g.peers, p)
	}
	ur := r.gr.length - r.gr.granted
	at := sort.Search(len(p.grantable), func(i int) bool {
		o := p.grantable[i]
		ou := o.gr.length - o.gr.granted
		return ou > ur || (ou == ur && o.id > r.id)
	})
	p.grantable = append(p.grantable, nil)
	copy(p.grantable[at+1:], p.grantable[at:])
	p.grantable[at] = r
	r.gr.listed = true
}

func (g *grantScheduler) listRemoveLocked(r *RPC) {
	if !r.gr.listed {
		return
	}
	p := r.peer
	for i, o := range p.grantable {
		if o == r {
			p.grantable = append(p.grantable[:i], p.grantable[i+1:]...)
			break
		}
	}
	r.gr.listed = false
	if len(p.grantable) == 0 {
		for i, o := range g.peers {
			if o == p {
				g.peers = append(g.peers[:i], g.peers[i+1:]...)
				break
			}
		}
	}
}

// recalcLocked reselects the active set and emits any grants it implies.
//
// Selection prefers at most one RPC per peer while other peers still have
// grantable candidates: each peer's i'th-shortest message competes in round
// i, and rounds are filled in order. Within a round the shortest ungranted
// message wins, ties toward the lower id. This is the deterministic fairness
// rule for peers sharing the receiver.
func (g *grantScheduler) recalcLocked() {
	for {
		type cand struct {
			r     *RPC
			round int
		}
		var cands []cand
		for _, p := range g.peers {
			for i, r := range p.grantable {
				if !r.gr.stalled {
					cands = append(cands, cand{r, i})
				}
			}
		}
		sort.Slice(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.round != b.round {
				return a.round < b.round
			}
			au := a.r.gr.length - a.r.gr.granted
			bu := b.r.gr.length - b.r.gr.granted
			if au != bu {
				return au < bu
			}
			return a.r.id < b.r.id
		})

		for _, r := range g.active {
			r.gr.rank = -1
		}
		g.active = g.active[:0]
		for _, c := range cands {
			if len(g.active) >= g.t.cfg.GrantActiveRPCs {
				break
			}
			c.r.gr.rank = len(g.active)
			g.active = append(g.active, c.r)
		}

		// Emit grants for active RPCs whose authorization trails the window.
		// A grant never decreases and never passes the message length.
		var fullyGranted bool
		for _, r := range g.active {
			target := min(r.gr.length, r.gr.recv+g.t.cfg.GrantWindow)
			if target <= r.gr.granted {
				continue
			}
			r.gr.granted = target
			prio := g.t.cfg.MaxSchedPriority - r.gr.rank
			if prio < 0 {
				prio = 0
			}
			g.t.sendGrant(r, target, uint8(prio))
			if r.gr.granted >= r.gr.length {
				g.listRemoveLocked(r)
				fullyGranted = true
			}
		}
		if !fullyGranted {
			return
		}
		// A fully granted message freed a slot; rerun selection so a waiting
		// message can take it in the same pass.
	}
}
