// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/himsangseung/homa/pool"
	"github.com/himsangseung/homa/wire"
)

// peerAddr is the remote used by the capture-link tests.
var peerAddr = netip.MustParseAddrPort("10.1.1.1:4000")

// A sentPacket records one packet handed to the capture link.
type sentPacket struct {
	pkt *wire.Packet
	to  netip.AddrPort
}

// captureLink records outbound packets instead of transmitting them, so
// tests can inject inbound packets with Transport.deliver and inspect what
// the transport says back. Its Recv is never called: these tests do not
// start the transport's service routines.
type captureLink struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (c *captureLink) Send(pkt *wire.Packet, to netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentPacket{pkt, to})
	return nil
}

func (c *captureLink) Recv() (*wire.Packet, netip.AddrPort, error) {
	select {} // unused; the transport is not started
}

func (c *captureLink) Close() error              { return nil }
func (c *captureLink) LocalAddr() netip.AddrPort { return netip.MustParseAddrPort("10.1.1.2:4000") }

// take removes and returns all recorded packets.
func (c *captureLink) take() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

// takeType removes and returns the recorded packets of the given type,
// leaving the rest.
func (c *captureLink) takeType(t wire.Type) []*wire.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Packet
	var keep []sentPacket
	for _, s := range c.sent {
		if s.pkt.Type == t {
			out = append(out, s.pkt)
		} else {
			keep = append(keep, s)
		}
	}
	c.sent = keep
	return out
}

// newTestTransport builds an unstarted transport wired to a capture link.
func newTestTransport(t *testing.T, cfg *Config) (*Transport, *captureLink) {
	t.Helper()
	cl := new(captureLink)
	tp := New(cfg)
	tp.lk = cl
	return tp, cl
}

// newTestSocket opens a socket with a receive region of n bpages.
func newTestSocket(t *testing.T, tp *Transport, port uint16, n int) *Socket {
	t.Helper()
	sk, err := tp.Open(port)
	if err != nil {
		t.Fatalf("Open(%d): unexpected error: %v", port, err)
	}
	if err := sk.SetRegion(make([]byte, n*pool.BpageSize)); err != nil {
		t.Fatalf("SetRegion: unexpected error: %v", err)
	}
	return sk
}

// dataPacket builds an inbound DATA packet for the RPC the receiver will
// read as localID, carrying seg at the given offset of a message of total
// length.
func dataPacket(srcPort, dstPort uint16, localID uint64, length, offset, incoming int, seg []byte) *wire.Packet {
	return &wire.Packet{
		Src:      srcPort,
		Dst:      dstPort,
		Type:     wire.TData,
		SenderID: localID ^ 1,
		Payload: wire.Data{
			MessageLength: uint32(length),
			Incoming:      uint32(incoming),
			CutoffVersion: localCutoffVersion,
			Offset:        uint32(offset),
			Seg:           seg,
		}.Encode(),
	}
}

// bytesOf returns n bytes of a repeating pattern starting at offset, so that
// reassembled messages can be checked byte for byte.
func bytesOf(offset, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((offset + i) % 251)
	}
	return out
}

// checkGapInvariants verifies that an msgin's gaps are disjoint, sorted, and
// consistent with bytesReceived.
func checkGapInvariants(t *testing.T, m *msgin) {
	t.Helper()
	var gapBytes int
	prevEnd := -1
	for _, g := range m.gaps {
		if g.start >= g.end {
			t.Errorf("gap [%d, %d) is empty or inverted", g.start, g.end)
		}
		if g.start <= prevEnd {
			t.Errorf("gap [%d, %d) overlaps or touches the previous gap ending at %d", g.start, g.end, prevEnd)
		}
		if g.end > m.recvEnd {
			t.Errorf("gap [%d, %d) extends past the received frontier %d", g.start, g.end, m.recvEnd)
		}
		gapBytes += g.end - g.start
		prevEnd = g.end
	}
	if got := m.recvEnd - gapBytes; got != m.bytesReceived {
		t.Errorf("bytesReceived = %d, but frontier minus gaps = %d", m.bytesReceived, got)
	}
}
