// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import (
	"context"
	"net/netip"
	"sync"

	"github.com/himsangseung/homa/pool"
)

// An Addr names a Homa endpoint: the link-level address of a transport
// instance and a Homa port on it.
type Addr struct {
	Host netip.AddrPort
	Port uint16
}

// serverKey indexes server-side RPCs, whose ids are assigned by the remote
// client and are unique only per peer.
type serverKey struct {
	addr netip.AddrPort
	id   uint64
}

// A Socket is a port bound on a transport. It owns the RPCs addressed to its
// port, the receive buffer region, and the queue of completed messages
// awaiting the user.
type Socket struct {
	t    *Transport
	port uint16

	mu       sync.Mutex
	clients  map[uint64]*RPC    // client RPCs by local id
	servers  map[serverKey]*RPC // server RPCs by (peer, local id)
	active   []*RPC             // live RPCs, for the timer pass
	dead     []*RPC             // ended RPCs awaiting reaping
	deadSkbs int                // packet buffers held by dead RPCs
	nextID   uint64             // next client RPC id, even
	pool     *pool.Pool
	ready    []*Message // completed messages awaiting Receive
	wake     chan struct{}
	done     chan struct{}
	shutdown bool
}

// Open binds a socket on the transport. A nonzero port must lie below the
// configured MinDefaultPort boundary (a server port); port zero assigns the
// next free ephemeral port at or above the boundary.
func (t *Transport) Open(port uint16) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrShutdown
	}
	if port == 0 {
		for range 1 << 16 {
			p := t.prevDefaultPort + 1
			if p < t.cfg.MinDefaultPort {
				p = t.cfg.MinDefaultPort
			}
			t.prevDefaultPort = p
			if _, ok := t.socks[p]; !ok {
				port = p
				break
			}
		}
		if port == 0 {
			return nil, ErrPortInUse
		}
	} else if port >= t.cfg.MinDefaultPort {
		return nil, ErrBadArgument
	} else if _, ok := t.socks[port]; ok {
		return nil, ErrPortInUse
	}
	s := &Socket{
		t:       t,
		port:    port,
		clients: make(map[uint64]*RPC),
		servers: make(map[serverKey]*RPC),
		nextID:  2,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.socks[port] = s
	return s, nil
}

// Port reports the port the socket is bound to.
func (s *Socket) Port() uint16 { return s.port }

// SetRegion registers the receive buffer region. The region length must be a
// positive multiple of pool.BpageSize, and a region may be registered only
// once per socket.
func (s *Socket) SetRegion(region []byte) error {
	p, err := pool.New(region)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return ErrBadArgument
	}
	s.pool = p
	return nil
}

// SendRequest begins a new RPC to dest carrying data, and returns its id.
// The cookie is opaque to the transport and is echoed on the completion
// message. SendRequest does not wait for the response; it arrives via
// Receive.
func (s *Socket) SendRequest(dest Addr, data []byte, cookie uint64) (uint64, error) {
	if len(data) == 0 || len(data) > MaxMessageLength || !dest.Host.IsValid() || dest.Port == 0 {
		return 0, ErrBadArgument
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return 0, ErrShutdown
	}
	id := s.nextID
	s.nextID += 2
	r := &RPC{
		sk:        s,
		peer:      s.t.peers.lookupOrCreate(dest.Host),
		id:        id,
		dport:     dest.Port,
		cookie:    cookie,
		state:     StateOutgoing,
		activeIdx: -1,
	}
	r.gr.rank = -1
	s.clients[id] = r
	s.addActiveLocked(r)
	s.mu.Unlock()
	s.t.m.clientRPCs.Add(1)

	buf := make([]byte, len(data))
	copy(buf, data)
	r.mu.Lock()
	r.msgout = newMsgout(buf, s.t.cfg.segSize(), s.t.cfg.UnschedBytes)
	s.t.xmitLocked(r, false)
	r.mu.Unlock()
	return id, nil
}

// Abort tears down a client RPC with ErrCanceled. The completion message
// delivered through Receive carries the error. Packets already handed to the
// link may still travel; the peer discards them once it learns the RPC is
// gone.
func (s *Socket) Abort(id uint64) error {
	s.mu.Lock()
	r, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRPC
	}
	s.failRPC(r, ErrCanceled)
	return nil
}

// Receive returns the next completed message: a response to an earlier
// SendRequest (or its failure), or an inbound request to be answered with
// Respond. The user owns the message's bpages until it calls Release.
func (s *Socket) Receive(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if s.pool == nil {
			s.mu.Unlock()
			return nil, ErrNoRegion
		}
		if len(s.ready) > 0 {
			m := s.ready[0]
			s.ready = s.ready[1:]
			more := len(s.ready) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return m, nil
		}
		if s.shutdown {
			s.mu.Unlock()
			return nil, ErrShutdown
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		case <-s.done:
		}
	}
}

func (s *Socket) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver queues a completed message for Receive and wakes a waiter.
func (s *Socket) deliver(m *Message) {
	s.mu.Lock()
	s.ready = append(s.ready, m)
	s.mu.Unlock()
	s.t.m.completed.Add(1)
	s.signal()
}

// Shutdown marks every RPC for teardown and wakes all waiters. Subsequent
// sends report ErrShutdown; Receive first returns the messages already
// queued, including the failures of the torn-down client RPCs, and then
// reports ErrShutdown.
func (s *Socket) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	live := append([]*RPC(nil), s.active...)
	s.mu.Unlock()
	close(s.done)
	for _, r := range live {
		s.failRPC(r, ErrShutdown)
	}
}

// Close shuts the socket down, tears down its RPCs, releases every buffer,
// and unbinds the port.
func (s *Socket) Close() error {
	s.Shutdown()

	// Discard undelivered messages, returning their buffers.
	s.mu.Lock()
	ready := s.ready
	s.ready = nil
	s.mu.Unlock()
	for _, m := range ready {
		m.Release()
	}

	// Reap everything that remains, ignoring the per-tick batch limit.
	s.mu.Lock()
	for _, r := range s.dead {
		r.mu.Lock()
		if r.msgin != nil {
			r.msgin.release()
		}
		if r.msgout != nil {
			r.msgout.reap()
		}
		s.deadSkbs -= r.deadPackets
		r.deadPackets = 0
		r.mu.Unlock()
	}
	s.dead = nil
	s.mu.Unlock()

	s.t.mu.Lock()
	delete(s.t.socks, s.port)
	s.t.mu.Unlock()
	return nil
}

// addActiveLocked appends r to the socket's active list. Caller holds s.mu.
func (s *Socket) addActiveLocked(r *RPC) {
	r.activeIdx = len(s.active)
	s.active = append(s.active, r)
}

// removeActiveLocked removes r from the active list by swapping the tail
// into its slot. Caller holds s.mu.
func (s *Socket) removeActiveLocked(r *RPC) {
	if r.activeIdx < 0 {
		return
	}
	last := len(s.active) - 1
	s.active[r.activeIdx] = s.active[last]
	s.active[r.activeIdx].activeIdx = r.activeIdx
	s.active = s.active[:last]
	r.activeIdx = -1
}

// activeRPCs snapshots the active list with a reference held on each entry.
func (s *Socket) activeRPCs() []*RPC {
	s.mu.Lock()
	out := append([]*RPC(nil), s.active...)
	s.mu.Unlock()
	for _, r := range out {
		r.hold()
	}
	return out
}

// endRPC moves r to its terminal state: unreachable from the socket's
// indices, detached from the grant and pacer lists, queued for reaping.
// It is idempotent; concurrent callers agree that exactly one performed the
// transition, and only that one gets a true result. The caller must not hold
// s.mu or r.mu.
func (s *Socket) endRPC(r *RPC, cause error) bool {
	s.mu.Lock()
	r.mu.Lock()
	if r.state == StateDead {
		r.mu.Unlock()
		s.mu.Unlock()
		return false
	}
	if r.err == nil {
		r.err = cause
	}
	r.state = StateDead
	if r.isClient() {
		delete(s.clients, r.id)
	} else {
		delete(s.servers, serverKey{r.peer.addr, r.id})
	}
	s.removeActiveLocked(r)
	r.deadPackets = r.numBuffersLocked()
	s.dead = append(s.dead, r)
	s.deadSkbs += r.deadPackets
	r.mu.Unlock()
	s.mu.Unlock()

	s.t.grant.remove(r)
	s.t.pacer.remove(r)
	s.t.peers.release(r.peer)
	return true
}

// failRPC ends r with a sticky error. For a client RPC the failure is
// delivered to the user as a completion message carrying the error.
func (s *Socket) failRPC(r *RPC, cause error) {
	r.mu.Lock()
	isClient := r.isClient()
	id, cookie := r.id, r.cookie
	from := Addr{Host: r.peer.addr, Port: r.dport}
	r.mu.Unlock()

	if s.endRPC(r, cause) && isClient {
		s.deliver(&Message{sk: s, From: from, ID: id, Cookie: cookie, Err: cause})
	}
}

// reapDead releases up to budget dead packet buffers, oldest RPC first, if
// the socket is over its dead-buffer limit. RPCs still referenced are left
// for a later tick. It reports the number of buffers released.
func (s *Socket) reapDead(budget int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadSkbs <= s.t.cfg.DeadBuffsLimit {
		return 0
	}
	var total int
	for budget > 0 && len(s.dead) > 0 {
		r := s.dead[0]
		r.mu.Lock()
		if r.refs > 0 {
			r.mu.Unlock()
			break
		}
		var freed int
		if r.msgin != nil {
			for i, bp := range r.msgin.bpages {
				if bp != -1 && budget > freed {
					r.msgin.pool.Free(bp)
					r.msgin.bpages[i] = -1
					freed++
				}
			}
		}
		if r.msgout != nil && r.msgout.data != nil && budget > freed {
			remain := r.msgout.numSegs() - r.reapedSegs
			n := min(remain, budget-freed)
			r.reapedSegs += n
			freed += n
			if r.reapedSegs == r.msgout.numSegs() {
				r.msgout.reap()
			}
		}
		r.deadPackets -= freed
		done := r.deadPackets == 0
		r.mu.Unlock()

		budget -= freed
		total += freed
		s.deadSkbs -= freed
		if !done {
			break
		}
		s.dead = s.dead[1:]
	}
	s.t.m.reapedSkbs.Add(int64(total))
	return total
}
