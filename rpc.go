// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of an RPC.
type State int8

const (
	StateOutgoing  State = 1 + iota // transmitting the request or response
	StateIncoming                   // receiving the request or response
	StateInService                  // server: request delivered, awaiting the reply
	StateDead                       // terminal; resources await reaping
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateInService:
		return "IN_SERVICE"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("state %d", int8(s))
	}
}

// grantState is the grant scheduler's view of an RPC. Guarded by the
// scheduler's lock, never the RPC lock: the scheduler reads and writes these
// fields for RPCs other than the one whose progress triggered it, and the
// lock order forbids taking a second RPC lock there.
type grantState struct {
	length  int
	recv    int  // bytes received, mirrored from msgin
	granted int  // cumulative bytes authorized to the sender
	rank    int  // index in the active set, -1 when inactive
	listed  bool // member of the peer's grantable list
	stalled bool // bpage allocation failed; withhold grants until space frees
}

// pacerState is the pacer's view of an RPC, guarded by the pacer's lock.
type pacerState struct {
	throttled bool
	remaining int    // snapshot of untransmitted bytes, orders the queue
	seq       uint64 // FIFO tie-break
}

// An RPC is one request/response exchange with a peer, identified by
// (peer, id). The low bit of the id encodes the role: ids are assigned even
// by the client, and each side stores the RPC under its own view of the id,
// so a locally even id means this end initiated the RPC.
//
// The RPC mutex guards state, msgin, msgout, refs, and the timer fields.
// List memberships are guarded by the locks of the structures that own them:
// the socket lock for the hash and active indices, the grant scheduler lock
// for gr, the pacer lock for pc.
type RPC struct {
	sk     *Socket
	peer   *Peer
	id     uint64 // local id
	dport  uint16 // peer's Homa port
	cookie uint64 // echoed to the user at completion (client only)

	mu     sync.Mutex
	state  State
	refs   int
	msgin  *msgin
	msgout *msgout
	err    error // sticky fatal error

	silentTicks int    // ticks since last observed progress from the peer
	doneTick    uint64 // tick when the server finished sending the reply
	lastNeedAck uint64 // tick of the most recent NEED_ACK sent

	deadPackets int // packet buffers held while dead, counted at end
	reapedSegs  int // outbound segments already reaped

	activeIdx int // position in sk.active, -1 when absent (socket lock)

	gr grantState
	pc pacerState
}

// isClient reports whether this end initiated the RPC.
func (r *RPC) isClient() bool { return r.id&1 == 0 }

// ID reports the RPC's local identifier.
func (r *RPC) ID() uint64 { return r.id }

// wireID reports the id to place in the sender_id field of packets for this
// RPC: the sender's own id, which the receiver flips to obtain its own.
func (r *RPC) wireID() uint64 { return r.id }

// hold acquires a reference preventing destruction of r.
func (r *RPC) hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs++
}

// put releases a reference acquired by hold.
func (r *RPC) put() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs <= 0 {
		panic("rpc reference count underflow")
	}
	r.refs--
}

// dead reports whether r has reached its terminal state. Caller holds r.mu.
func (r *RPC) dead() bool { return r.state == StateDead }

// numBuffersLocked counts the packet buffers currently owned by the RPC.
func (r *RPC) numBuffersLocked() int {
	var n int
	if r.msgout != nil {
		n += r.msgout.numSegs()
	}
	if r.msgin != nil {
		n += r.msgin.numBuffers()
	}
	return n
}

func (r *RPC) String() string {
	role := "server"
	if r.isClient() {
		role = "client"
	}
	return fmt.Sprintf("RPC(%s, id=%d, peer=%v:%d)", role, r.id, r.peer.addr, r.dport)
}
