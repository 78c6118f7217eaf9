// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/himsangseung/homa/link"
	"github.com/himsangseung/homa/wire"
)

// A PacketLogger logs a packet exchanged with the network.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet, the remote address, and a flag indicating
// whether the packet was sent or received.
type PacketInfo struct {
	*wire.Packet
	Addr netip.AddrPort // the remote the packet went to or came from
	Sent bool           // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v %v", p.dir(), p.Addr, p.Packet)
}

// A Transport is one Homa instance: the sockets bound on a host, the peers
// it talks to, and the machinery that moves messages between them.
//
// Call Start with a link to start the service routines. Once started, a
// transport runs until Stop is called or the link closes. Use Wait to wait
// for the transport to exit and report its status.
//
// Use Open to bind sockets; their methods are safe for concurrent use by
// multiple goroutines.
type Transport struct {
	cfg   Config
	m     *metrics
	peers *peerTable
	grant *grantScheduler
	pacer *pacer
	ticks atomic.Uint64
	plog  atomic.Value // PacketLogger

	lk       link.Link
	tasks    *taskgroup.Group
	stopTick chan struct{}
	stopOnce sync.Once

	mu              sync.Mutex
	socks           map[uint16]*Socket
	prevDefaultPort uint16
	err             error
	closed          bool
}

// New constructs a new unstarted transport with the given configuration.
// A nil config selects the defaults.
func New(cfg *Config) *Transport {
	t := &Transport{
		cfg:   cfg.fill(),
		m:     newMetrics(),
		socks: make(map[uint16]*Socket),
	}
	t.peers = newPeerTable()
	t.grant = newGrantScheduler(t)
	t.pacer = newPacer(t)
	return t
}

// Start starts the transport running on the given link. Start does not
// block; call Wait to wait for the transport to exit and report its status.
func (t *Transport) Start(lk link.Link) *Transport {
	if t.lk != nil {
		panic("transport is already started")
	}
	g := taskgroup.New(nil)
	t.lk = lk
	t.tasks = g

	g.Go(func() error {
		for {
			pkt, from, err := lk.Recv()
			if err != nil {
				if errors.Is(err, link.ErrMalformed) {
					t.m.packetDropped.Add(1)
					continue
				}
				t.fail(err)
				return nil
			}
			t.deliver(pkt, from)
		}
	})

	if t.cfg.TickInterval > 0 {
		stop := make(chan struct{})
		t.stopTick = stop
		g.Go(func() error {
			tick := time.NewTicker(t.cfg.TickInterval)
			defer tick.Stop()
			for {
				select {
				case <-tick.C:
					t.Tick()
				case <-stop:
					return nil
				}
			}
		})
	}
	return t
}

// Metrics returns a metrics map for the transport. It is safe for the caller
// to add additional metrics to the map while the transport is active.
func (t *Transport) Metrics() *expvar.Map { return t.m.emap }

// LocalAddr reports the link address of the transport, or the zero value if
// it has not started.
func (t *Transport) LocalAddr() netip.AddrPort {
	if t.lk == nil {
		return netip.AddrPort{}
	}
	return t.lk.LocalAddr()
}

// LogPackets registers a callback invoked for each packet exchanged with the
// network, including packets to be discarded. Passing nil disables logging.
// The logger is invoked synchronously with dispatch and transmission.
func (t *Transport) LogPackets(log PacketLogger) *Transport {
	t.plog.Store(log)
	return t
}

func (t *Transport) logPacket(pkt *wire.Packet, addr netip.AddrPort, sent bool) {
	if log, ok := t.plog.Load().(PacketLogger); ok && log != nil {
		log(PacketInfo{Packet: pkt, Addr: addr, Sent: sent})
	}
}

// Stop closes the link and terminates the transport. It blocks until the
// service routines have exited and returns the transport's status.
func (t *Transport) Stop() error {
	t.closeLink()
	return t.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until the transport terminates and reports the error that
// caused it to stop. A closed link counts as success.
func (t *Transport) Wait() error {
	if t.tasks == nil {
		return nil // the transport is not running
	}
	t.tasks.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if treatErrorAsSuccess(t.err) {
		return nil
	}
	return t.err
}

// fail records the terminal error, stops the timer, and shuts down every
// socket so blocked callers observe the failure.
func (t *Transport) fail(err error) {
	t.closeLink()

	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.closed = true
	socks := make([]*Socket, 0, len(t.socks))
	for _, sk := range t.socks {
		socks = append(socks, sk)
	}
	t.mu.Unlock()

	for _, sk := range socks {
		sk.Shutdown()
	}
}

func (t *Transport) closeLink() {
	t.stopOnce.Do(func() {
		if t.stopTick != nil {
			close(t.stopTick)
		}
		if t.lk != nil {
			t.lk.Close()
		}
	})
}

// send transmits one packet. Send failures are absorbed: on a connectionless
// link, loss is recovered by the timer like any other loss.
func (t *Transport) send(pkt *wire.Packet, to netip.AddrPort) {
	t.m.packetSent.Add(1)
	t.logPacket(pkt, to, true)
	if t.lk != nil {
		t.lk.Send(pkt, to) //nolint:errcheck // see above
	}
}

// sendUnknown answers a packet whose RPC this end does not know.
func (t *Transport) sendUnknown(pkt *wire.Packet, to netip.AddrPort) {
	t.m.unknownOut.Add(1)
	t.send(&wire.Packet{
		Src:      pkt.Dst,
		Dst:      pkt.Src,
		Type:     wire.TUnknown,
		SenderID: pkt.LocalID(), // our id; the sender flips it back to its own
		Priority: wire.NumPriorities - 1,
	}, to)
}

// ackUnknown answers a NEED_ACK for an RPC this end has already torn down:
// the teardown means the response was consumed, so the solicited RPC is
// acknowledged explicitly, along with anything else pending for the peer.
func (t *Transport) ackUnknown(sk *Socket, pkt *wire.Packet, from netip.AddrPort) {
	p := t.peers.lookupOrCreate(from)
	acks := append(p.takeAllAcks(), wire.Ack{ServerPort: pkt.Src, ClientID: pkt.LocalID()})
	t.peers.release(p)
	t.sendAck(sk, from, acks)
}

// sendGrant emits a GRANT for an inbound message. Called by the grant
// scheduler with its lock held; everything read here is immutable RPC state.
func (t *Transport) sendGrant(r *RPC, offset int, prio uint8) {
	t.m.grantSent.Add(1)
	t.send(&wire.Packet{
		Src:      r.sk.port,
		Dst:      r.dport,
		Type:     wire.TGrant,
		SenderID: r.wireID(),
		Priority: wire.NumPriorities - 1,
		Payload:  wire.Grant{Offset: uint32(offset), Priority: prio}.Encode(),
	}, r.peer.addr)
}

// sendAck flushes explicit acknowledgments to a peer.
func (t *Transport) sendAck(sk *Socket, to netip.AddrPort, acks []wire.Ack) {
	t.m.ackSent.Add(int64(len(acks)))
	t.send(&wire.Packet{
		Src:      sk.port,
		Type:     wire.TAck,
		Priority: wire.NumPriorities - 1,
		Payload:  wire.AckBody{Acks: acks}.Encode(),
	}, to)
}

// maybeSendCutoffs refreshes a peer whose DATA echoed a stale version of our
// cutoff table, at most once per tick per peer.
func (t *Transport) maybeSendCutoffs(sk *Socket, p *Peer, dport uint16, senderID uint64) {
	stamp := t.ticks.Load() + 1
	p.mu.Lock()
	if p.lastCutoffTick == stamp {
		p.mu.Unlock()
		return
	}
	p.lastCutoffTick = stamp
	p.mu.Unlock()

	t.send(&wire.Packet{
		Src:      sk.port,
		Dst:      dport,
		Type:     wire.TCutoffs,
		SenderID: senderID,
		Priority: wire.NumPriorities - 1,
		Payload: wire.Cutoffs{
			Cutoffs: t.cfg.PriorityCutoffs,
			Version: localCutoffVersion,
		}.Encode(),
	}, p.addr)
}
