// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/himsangseung/homa/pool"
)

func newTestPool(t *testing.T, n int) *pool.Pool {
	t.Helper()
	p, err := pool.New(make([]byte, n*pool.BpageSize))
	if err != nil {
		t.Fatalf("pool.New: unexpected error: %v", err)
	}
	return p
}

func mustAdd(t *testing.T, m *msgin, offset int, seg []byte) int {
	t.Helper()
	n, err := m.addPacket(offset, seg, 1)
	if err != nil {
		t.Fatalf("addPacket(%d, %d bytes): unexpected error: %v", offset, len(seg), err)
	}
	checkGapInvariants(t, m)
	return n
}

// Out-of-order arrival: offsets 0, 2800, then 1400 of a 5000-byte message.
func TestReassemblyOutOfOrder(t *testing.T) {
	m := newMsgin(newTestPool(t, 4), 5000)

	mustAdd(t, m, 0, bytesOf(0, 1400))
	mustAdd(t, m, 2800, bytesOf(2800, 1400))
	if want := []gap{{1400, 2800, 1}}; len(m.gaps) != 1 || m.gaps[0] != want[0] {
		t.Fatalf("gaps after 0 and 2800: got %+v, want %+v", m.gaps, want)
	}
	if m.complete() {
		t.Error("message reported complete with a hole outstanding")
	}

	mustAdd(t, m, 1400, bytesOf(1400, 1400))
	if len(m.gaps) != 0 {
		t.Errorf("gaps after filling the hole: got %+v, want none", m.gaps)
	}
	mustAdd(t, m, 4200, bytesOf(4200, 800))
	if !m.complete() {
		t.Errorf("message not complete: received %d of %d", m.bytesReceived, m.length)
	}
}

func TestReassemblyDuplicatesAndOverlap(t *testing.T) {
	m := newMsgin(newTestPool(t, 4), 4000)

	if n := mustAdd(t, m, 0, bytesOf(0, 1000)); n != 1000 {
		t.Errorf("first segment: added %d bytes, want 1000", n)
	}
	if n := mustAdd(t, m, 0, bytesOf(0, 1000)); n != 0 {
		t.Errorf("exact duplicate: added %d bytes, want 0", n)
	}
	if n := mustAdd(t, m, 500, bytesOf(500, 300)); n != 0 {
		t.Errorf("contained duplicate: added %d bytes, want 0", n)
	}
	// Partial overlap: [800, 1800) only contributes [1000, 1800).
	if n := mustAdd(t, m, 800, bytesOf(800, 1000)); n != 800 {
		t.Errorf("partial overlap: added %d bytes, want 800", n)
	}
	// Overlap spanning a gap edge: [1700, 2200) after a hole opens at 1800.
	mustAdd(t, m, 2000, bytesOf(2000, 500))
	if n := mustAdd(t, m, 1700, bytesOf(1700, 500)); n != 200 {
		t.Errorf("gap-straddling overlap: added %d bytes, want 200", n)
	}
	mustAdd(t, m, 2500, bytesOf(2500, 1500))
	if !m.complete() {
		t.Fatalf("message not complete: received %d of %d, gaps %+v", m.bytesReceived, m.length, m.gaps)
	}
}

// Replaying any subset of packets against a completed message changes
// nothing: same bytes received, no gaps, no additional bpages.
func TestReassemblyIdempotentReplay(t *testing.T) {
	const length = 200000 // several bpages
	p := newTestPool(t, 8)
	m := newMsgin(p, length)

	var packets [][2]int
	for off := 0; off < length; off += 1400 {
		packets = append(packets, [2]int{off, min(1400, length-off)})
	}
	rng := rand.New(rand.NewSource(17))
	rng.Shuffle(len(packets), func(i, j int) { packets[i], packets[j] = packets[j], packets[i] })
	for _, pk := range packets {
		mustAdd(t, m, pk[0], bytesOf(pk[0], pk[1]))
	}
	if !m.complete() {
		t.Fatalf("message not complete after all packets: %d of %d", m.bytesReceived, length)
	}
	buffers, free := m.numBuffers(), p.NumFree()

	for range 3 {
		pk := packets[rng.Intn(len(packets))]
		if n := mustAdd(t, m, pk[0], bytesOf(pk[0], pk[1])); n != 0 {
			t.Errorf("replay of [%d, %d): added %d bytes, want 0", pk[0], pk[0]+pk[1], n)
		}
	}
	if m.bytesReceived != length || m.numBuffers() != buffers || p.NumFree() != free {
		t.Errorf("replay disturbed state: received %d, buffers %d, free %d",
			m.bytesReceived, m.numBuffers(), p.NumFree())
	}

	// The reassembled bytes are exactly the union of the packets.
	var got []byte
	for i, bp := range m.bpages {
		n := min(pool.BpageSize, length-i*pool.BpageSize)
		got = append(got, p.Bpage(bp)[:n]...)
	}
	if !bytes.Equal(got, bytesOf(0, length)) {
		t.Error("reassembled bytes differ from the transmitted message")
	}
}

// Random packet sequences with duplicates and overlaps preserve the gap
// invariants at every step.
func TestReassemblyRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for trial := range 20 {
		length := 1 + rng.Intn(150000)
		m := newMsgin(newTestPool(t, 4), length)
		var sent int
		for m.bytesReceived < length && sent < 10000 {
			off := rng.Intn(length)
			n := 1 + rng.Intn(3000)
			mustAdd(t, m, off, bytesOf(off, min(n, length-off)))
			sent++
		}
		if !m.complete() {
			t.Errorf("trial %d: incomplete after %d packets: %d of %d", trial, sent, m.bytesReceived, length)
		}
	}
}

// A failed bpage allocation must leave the message untouched.
func TestReassemblyAllocFailure(t *testing.T) {
	p := newTestPool(t, 1) // one bpage only
	m := newMsgin(p, 3*pool.BpageSize)

	mustAdd(t, m, 0, bytesOf(0, 1000)) // takes the only bpage

	before := *m
	beforeGaps := append([]gap(nil), m.gaps...)
	if _, err := m.addPacket(pool.BpageSize, bytesOf(pool.BpageSize, 1000), 1); err != ErrNoSpace {
		t.Fatalf("addPacket without bpages: got error %v, want %v", err, ErrNoSpace)
	}
	if m.bytesReceived != before.bytesReceived || m.recvEnd != before.recvEnd {
		t.Errorf("failed add mutated counters: %+v", m)
	}
	if len(m.gaps) != len(beforeGaps) {
		t.Errorf("failed add mutated gaps: %+v", m.gaps)
	}
	if p.NumFree() != 0 {
		t.Errorf("failed add leaked or freed bpages: %d free", p.NumFree())
	}

	// A segment spanning two missing bpages fails atomically too.
	m2 := newMsgin(newTestPool(t, 1), 3*pool.BpageSize)
	off := pool.BpageSize - 100
	if _, err := m2.addPacket(off, bytesOf(off, 200), 1); err != ErrNoSpace {
		t.Fatalf("two-bpage segment with one free: got error %v, want %v", err, ErrNoSpace)
	}
	if got := m2.pool.NumFree(); got != 1 {
		t.Errorf("failed two-bpage add leaked: %d free, want 1", got)
	}
}

func TestFirstMissing(t *testing.T) {
	m := newMsgin(newTestPool(t, 2), 10000)
	mustAdd(t, m, 0, bytesOf(0, 1400))

	if lo, hi := m.firstMissing(); lo != 1400 || hi != 10000 {
		t.Errorf("firstMissing with no gaps: got [%d, %d), want [1400, 10000)", lo, hi)
	}
	mustAdd(t, m, 2800, bytesOf(2800, 1400))
	if lo, hi := m.firstMissing(); lo != 1400 || hi != 2800 {
		t.Errorf("firstMissing with a gap: got [%d, %d), want [1400, 2800)", lo, hi)
	}
}

// release returns every bpage; take transfers them without freeing.
func TestBufferOwnership(t *testing.T) {
	p := newTestPool(t, 4)

	m := newMsgin(p, 2*pool.BpageSize)
	mustAdd(t, m, 0, bytesOf(0, pool.BpageSize+10))
	if free := p.NumFree(); free != 2 {
		t.Fatalf("pool free = %d, want 2", free)
	}
	m.release()
	if free := p.NumFree(); free != 4 {
		t.Errorf("pool free after release = %d, want 4", free)
	}

	m2 := newMsgin(p, pool.BpageSize)
	mustAdd(t, m2, 0, bytesOf(0, pool.BpageSize))
	pages := m2.take()
	if len(pages) != 1 || m2.numBuffers() != 0 {
		t.Fatalf("take: got %v, message retains %d buffers", pages, m2.numBuffers())
	}
	if free := p.NumFree(); free != 3 {
		t.Errorf("pool free after take = %d, want 3 (caller owns the page)", free)
	}
	p.FreeAll(pages)
}
