// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

// msgout is the outbound message of an RPC: the full message bytes plus the
// transmit frontier. Packets are cut from the data at fixed segment
// boundaries, so a byte offset identifies its packet exactly.
type msgout struct {
	length  int
	data    []byte
	segSize int
	unsched int // prefix transmittable without grants

	granted   int   // bytes authorized to transmit, monotone nondecreasing
	schedPrio uint8 // priority from the most recent GRANT
	nextXmit  int   // boundary between queued and ungranted/unqueued bytes
}

func newMsgout(data []byte, segSize, unschedBytes int) *msgout {
	m := &msgout{
		length:  len(data),
		data:    data,
		segSize: segSize,
		unsched: min(unschedBytes, len(data)),
	}
	m.granted = m.unsched
	return m
}

// xmitLimit reports the current transmit bound: no byte at or beyond it may
// be released to the network.
func (m *msgout) xmitLimit() int { return min(m.length, m.granted) }

// done reports whether every byte of the message has been queued for
// transmit.
func (m *msgout) done() bool { return m.nextXmit >= m.length }

// grant raises the transmit authorization to offset, keeping it monotone and
// capped at the message length, and adopts the granted priority. It reports
// whether the bound actually moved.
func (m *msgout) grant(offset int, prio uint8) bool {
	if offset <= m.granted {
		return false
	}
	m.granted = min(offset, m.length)
	m.schedPrio = prio
	return true
}

// seg returns the segment starting at offset, which must lie on a segment
// boundary within the message.
func (m *msgout) seg(offset int) []byte {
	return m.data[offset:min(offset+m.segSize, m.length)]
}

// segStart rounds offset down to the boundary of its segment.
func (m *msgout) segStart(offset int) int { return offset - offset%m.segSize }

// numSegs reports the total number of packets the message occupies.
func (m *msgout) numSegs() int {
	if m.data == nil {
		return 0
	}
	return (m.length + m.segSize - 1) / m.segSize
}

// reap drops the message bytes, releasing the packet buffers.
func (m *msgout) reap() { m.data = nil }
