// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"fmt"

	"github.com/himsangseung/homa/pool"
)

// A gap records a hole in the received bytes of an inbound message:
// the half-open range [start, end) has not yet arrived, although bytes at or
// beyond end have.
type gap struct {
	start, end int
	tick       uint64 // tick counter value when the hole was first observed
}

// msgin accumulates the inbound message of an RPC. Bytes land directly in
// bpages borrowed from the socket's receive pool. The gaps list is disjoint,
// sorted by start, and together with recvEnd describes exactly which byte
// positions have been received: [0, recvEnd) minus the gaps.
type msgin struct {
	length        int
	bytesReceived int
	recvEnd       int // end of the highest received range
	gaps          []gap
	bpages        []int // bpage index per 64 KiB chunk, -1 until allocated
	pool          *pool.Pool
}

func newMsgin(p *pool.Pool, length int) *msgin {
	m := &msgin{
		length: length,
		pool:   p,
		bpages: make([]int, (length+pool.BpageSize-1)/pool.BpageSize),
	}
	for i := range m.bpages {
		m.bpages[i] = -1
	}
	return m
}

// span is a half-open byte range.
type span struct{ lo, hi int }

// uncovered returns the portions of [lo, hi) that have not been received, in
// ascending order.
func (m *msgin) uncovered(lo, hi int) []span {
	var out []span
	for _, g := range m.gaps {
		if s := (span{max(lo, g.start), min(hi, g.end)}); s.lo < s.hi {
			out = append(out, s)
		}
	}
	if hi > m.recvEnd {
		out = append(out, span{max(lo, m.recvEnd), hi})
	}
	return out
}

// addPacket installs the segment bytes at the given offset, returning the
// number of bytes that were newly received. A segment entirely inside the
// received region reports 0 with no state change. If bpages cannot be
// allocated for the new bytes, addPacket reports ErrNoSpace and leaves the
// message unmodified; the sender's retransmission will retry.
func (m *msgin) addPacket(offset int, seg []byte, tick uint64) (int, error) {
	if m.pool == nil {
		return 0, ErrNoRegion
	}
	lo, hi := offset, offset+len(seg)
	if lo < 0 || lo > hi {
		return 0, fmt.Errorf("segment [%d, %d): %w", lo, hi, ErrBadArgument)
	}
	hi = min(hi, m.length)
	if lo >= hi {
		return 0, nil
	}
	fresh := m.uncovered(lo, hi)
	if len(fresh) == 0 {
		return 0, nil // duplicate
	}

	// Allocate every bpage the new bytes touch before mutating anything, so
	// that a failure leaves the message exactly as it was.
	var need []int
	for _, s := range fresh {
		for idx := s.lo / pool.BpageSize; idx <= (s.hi-1)/pool.BpageSize; idx++ {
			if m.bpages[idx] == -1 && !contains(need, idx) {
				need = append(need, idx)
			}
		}
	}
	pages := make([]int, 0, len(need))
	for range need {
		bp, err := m.pool.Alloc()
		if err != nil {
			m.pool.FreeAll(pages)
			return 0, ErrNoSpace
		}
		pages = append(pages, bp)
	}
	for i, idx := range need {
		m.bpages[idx] = pages[i]
	}

	// Copy the fresh byte ranges into their bpages.
	for _, s := range fresh {
		for p := s.lo; p < s.hi; {
			idx, off := p/pool.BpageSize, p%pool.BpageSize
			n := min(s.hi-p, pool.BpageSize-off)
			copy(m.pool.Bpage(m.bpages[idx])[off:off+n], seg[p-offset:p-offset+n])
			p += n
		}
	}

	// Update the gap list: subtract [lo, hi) from each existing gap, then
	// record any newly discovered hole behind an out-of-order arrival.
	newGaps := make([]gap, 0, len(m.gaps)+1)
	for _, g := range m.gaps {
		if hi <= g.start || lo >= g.end {
			newGaps = append(newGaps, g)
			continue
		}
		if lo > g.start {
			newGaps = append(newGaps, gap{g.start, lo, g.tick})
		}
		if hi < g.end {
			newGaps = append(newGaps, gap{hi, g.end, g.tick})
		}
	}
	if lo > m.recvEnd {
		newGaps = append(newGaps, gap{m.recvEnd, lo, tick})
	}
	m.gaps = newGaps
	m.recvEnd = max(m.recvEnd, hi)

	var total int
	for _, s := range fresh {
		total += s.hi - s.lo
	}
	m.bytesReceived += total
	return total, nil
}

func contains(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// complete reports whether every byte of the message has been received.
func (m *msgin) complete() bool { return len(m.gaps) == 0 && m.bytesReceived == m.length }

// firstMissing reports the first unreceived byte range: the earliest gap, or
// the unreceived suffix when no gaps exist.
func (m *msgin) firstMissing() (lo, hi int) {
	if len(m.gaps) > 0 {
		return m.gaps[0].start, m.gaps[0].end
	}
	return m.recvEnd, m.length
}

// numBuffers reports the number of bpages the message currently owns.
func (m *msgin) numBuffers() int {
	var n int
	for _, bp := range m.bpages {
		if bp != -1 {
			n++
		}
	}
	return n
}

// release returns every owned bpage to the pool.
func (m *msgin) release() {
	for i, bp := range m.bpages {
		if bp != -1 {
			m.pool.Free(bp)
			m.bpages[i] = -1
		}
	}
}

// take transfers ownership of the message's bpages to the caller, in chunk
// order. It must only be called on a complete message.
func (m *msgin) take() []int {
	out := m.bpages
	m.bpages = nil
	return out
}
