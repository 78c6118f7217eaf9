// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"time"

	"github.com/himsangseung/homa/wire"
)

// MaxMessageLength is the largest message, request or response, the transport
// will carry.
const MaxMessageLength = 1 << 20

// Flags control optional transport behaviors.
type Flags int

const (
	// FlagDontThrottle disables output pacing: packets are released to the
	// link as soon as they are eligible to transmit.
	FlagDontThrottle Flags = 1 << iota
)

// Config carries the tunable parameters of a transport instance. A zero value
// selects the defaults noted on each field. Config values are read-only once
// the transport has started.
type Config struct {
	// ResendTicks is the number of ticks a peer may be silent on an
	// incomplete inbound message before the first RESEND is sent (default 5).
	ResendTicks int

	// ResendInterval is the number of ticks between successive RESENDs to a
	// still-silent peer (default 5).
	ResendInterval int

	// TimeoutTicks is the number of silent ticks after which an RPC is
	// declared dead with ErrTimeout (default 100).
	TimeoutTicks int

	// TimeoutResends is the number of unanswered RESENDs to a peer after
	// which its RPCs are declared dead with ErrTimeout (default 5).
	TimeoutResends int

	// RequestAckTicks is the number of ticks a server waits after fully
	// transmitting a response before soliciting an ACK with NEED_ACK
	// (default 10).
	RequestAckTicks int

	// DeadBuffsLimit is the number of packet buffers dead RPCs may hold
	// before the timer starts reaping them (default 5000).
	DeadBuffsLimit int

	// ReapBatch is the maximum number of dead packet buffers released per
	// tick (default 10).
	ReapBatch int

	// UnschedBytes is the prefix of each outbound message that may be
	// transmitted without waiting for grants (default 40000).
	UnschedBytes int

	// GrantWindow is the number of ungranted bytes the receiver keeps
	// authorized beyond the received frontier of each active inbound message
	// (default 65536).
	GrantWindow int

	// GrantActiveRPCs is the maximum number of inbound RPCs that may receive
	// grants at once (default 10).
	GrantActiveRPCs int

	// ThrottleMinBytes is the number of bytes that may be queued at the link
	// before the pacer starts serializing output (default 10000).
	ThrottleMinBytes int

	// Flags enables optional behaviors.
	Flags Flags

	// PriorityCutoffs[i] is the largest message length that may use priority
	// level i for its unscheduled bytes; higher levels are higher priority.
	// The default grants the top priority to messages of at most 448 bytes
	// and the next level to all other unscheduled traffic.
	PriorityCutoffs [wire.NumPriorities]uint32

	// MaxSchedPriority is the highest priority level used for scheduled
	// (granted) bytes; levels above it are reserved for unscheduled traffic
	// (default 5).
	MaxSchedPriority int

	// MinDefaultPort is the boundary between server ports, bound explicitly
	// below it, and ephemeral client ports assigned at or above it
	// (default 0x8000).
	MinDefaultPort uint16

	// MTU is the maximum packet size on the link, headers included
	// (default 1500).
	MTU int

	// TickInterval is the period of the timer loop. If zero, no timer
	// goroutine runs and the caller drives Transport.Tick directly; tests
	// rely on this.
	TickInterval time.Duration
}

var defaultCutoffs = [wire.NumPriorities]uint32{7: 448, 6: 0x7fffffff}

// fill returns a copy of c with zero fields replaced by their defaults.
func (c *Config) fill() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	setInt := func(p *int, d int) {
		if *p == 0 {
			*p = d
		}
	}
	setInt(&out.ResendTicks, 5)
	setInt(&out.ResendInterval, 5)
	setInt(&out.TimeoutTicks, 100)
	setInt(&out.TimeoutResends, 5)
	setInt(&out.RequestAckTicks, 10)
	setInt(&out.DeadBuffsLimit, 5000)
	setInt(&out.ReapBatch, 10)
	setInt(&out.UnschedBytes, 40000)
	setInt(&out.GrantWindow, 65536)
	setInt(&out.GrantActiveRPCs, 10)
	setInt(&out.ThrottleMinBytes, 10000)
	setInt(&out.MaxSchedPriority, 5)
	setInt(&out.MTU, 1500)
	if out.PriorityCutoffs == ([wire.NumPriorities]uint32{}) {
		out.PriorityCutoffs = defaultCutoffs
	}
	if out.MinDefaultPort == 0 {
		out.MinDefaultPort = 0x8000
	}
	return out
}

// segSize reports the number of message bytes carried per DATA packet.
func (c *Config) segSize() int {
	const overhead = wire.HeaderLen + 28 // common header + fixed DATA body
	return c.MTU - overhead
}
