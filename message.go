// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"fmt"

	"github.com/himsangseung/homa/pool"
)

// A Message is a completed inbound message delivered through Receive: a
// response to an earlier request, the failure of such a request, or an
// inbound request awaiting Respond.
//
// The message bytes live in the socket's registered region, in the bpages
// listed by Ranges. The user owns those bpages until it calls Release.
type Message struct {
	sk  *Socket
	rpc *RPC

	From      Addr   // the remote endpoint
	ID        uint64 // the local RPC id
	Length    int    // message length in bytes; 0 when Err is set
	Cookie    uint64 // echoed from SendRequest; client completions only
	IsRequest bool   // true for an inbound request needing a response
	Err       error  // set when a client RPC failed instead of completing

	bpages   []int
	released bool
}

// A Range locates a contiguous piece of a message in the receive region:
// Len bytes starting at offset Off of bpage Bpage.
type Range struct {
	Bpage int
	Off   int
	Len   int
}

// Ranges reports where the message bytes live, in message order.
func (m *Message) Ranges() []Range {
	out := make([]Range, 0, len(m.bpages))
	for i, bp := range m.bpages {
		n := min(pool.BpageSize, m.Length-i*pool.BpageSize)
		out = append(out, Range{Bpage: bp, Off: 0, Len: n})
	}
	return out
}

// Bytes assembles a copy of the message. It is a convenience for callers who
// do not need the zero-copy path.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, m.Length)
	for _, r := range m.Ranges() {
		out = append(out, m.sk.pool.Bpage(r.Bpage)[r.Off:r.Off+r.Len]...)
	}
	return out
}

// Release returns the message's bpages to the socket pool. It must be called
// exactly once for every received message once its bytes are consumed;
// it is a no-op on repeat calls and on failure messages.
func (m *Message) Release() {
	if m.released {
		return
	}
	m.released = true
	if len(m.bpages) == 0 {
		return
	}
	m.sk.pool.FreeAll(m.bpages)
	m.bpages = nil
	// Freed space may unblock grants that were withheld for lack of bpages.
	m.sk.t.grant.poolSpaceFreed(m.sk)
}

// Respond sends data as the response to an inbound request message and moves
// the RPC toward completion. It reports ErrBadArgument for a non-request
// message or an empty or oversized response.
func (m *Message) Respond(data []byte) error {
	if !m.IsRequest || m.rpc == nil {
		return fmt.Errorf("respond to a non-request message: %w", ErrBadArgument)
	}
	if len(data) == 0 || len(data) > MaxMessageLength {
		return fmt.Errorf("response of %d bytes: %w", len(data), ErrBadArgument)
	}
	r := m.rpc
	t := m.sk.t

	buf := make([]byte, len(data))
	copy(buf, data)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDead {
		return r.err
	}
	if r.state != StateInService || r.msgout != nil {
		return fmt.Errorf("rpc %d is %v: %w", r.id, r.state, ErrBadArgument)
	}
	r.msgout = newMsgout(buf, t.cfg.segSize(), t.cfg.UnschedBytes)
	r.state = StateOutgoing
	r.silentTicks = 0
	t.xmitLocked(r, false)
	return nil
}
