// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package link defines the Link interface, the datagram path between a Homa
// transport and the network, and provides implementations of it.
//
// A link addresses packets by transport instance: Homa ports live inside the
// packet header, so the link sees one address per remote transport.
package link

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/himsangseung/homa/wire"
)

// ErrMalformed is wrapped into errors reported by Recv for a datagram that
// does not parse as a Homa packet. Such errors are per-packet: the caller may
// drop the packet and continue receiving.
var ErrMalformed = errors.New("malformed packet")

// A Link is an unreliable, unordered datagram path carrying Homa packets.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Link interface {
	// Send the packet in binary format to the named address.
	Send(pkt *wire.Packet, to netip.AddrPort) error

	// Recv the next available packet and the address it arrived from.
	Recv() (*wire.Packet, netip.AddrPort, error)

	// Close the link, causing any pending send or receive operations to
	// terminate and report an error. After a link is closed, all further
	// operations on it must report an error.
	Close() error

	// LocalAddr reports the address of this end of the link.
	LocalAddr() netip.AddrPort
}

type message struct {
	pkt  *wire.Packet
	from netip.AddrPort
}

// Pipe constructs a connected pair of in-memory links that pass packets
// directly without encoding into binary. Packets sent by A are received by B
// and vice versa. A is addressed as a, B as b.
//
// Closing one end closes the direction it sends on: its own later Send and
// Close report net.ErrClosed, and so does the other end's Recv. A Recv on
// the closed end itself is not interrupted; it returns net.ErrClosed only
// once the other end is closed too.
func Pipe(a, b netip.AddrPort) (A, B Link) {
	a2b := make(chan message, 256)
	b2a := make(chan message, 256)
	A = &pipe{addr: a, out: a2b, in: b2a}
	B = &pipe{addr: b, out: b2a, in: a2b}
	return
}

type pipe struct {
	addr netip.AddrPort
	out  chan<- message
	in   <-chan message
}

// Send implements a method of the [Link] interface.
func (p *pipe) Send(pkt *wire.Packet, to netip.AddrPort) (err error) {
	defer safeClose(&err)
	p.out <- message{pkt: pkt, from: p.addr}
	return nil
}

// Recv implements a method of the [Link] interface.
func (p *pipe) Recv() (*wire.Packet, netip.AddrPort, error) {
	m, ok := <-p.in
	if !ok {
		return nil, netip.AddrPort{}, net.ErrClosed
	}
	return m.pkt, m.from, nil
}

// Close implements a method of the [Link] interface.
func (p *pipe) Close() (err error) {
	defer safeClose(&err)
	close(p.out)
	return nil
}

// LocalAddr implements a method of the [Link] interface.
func (p *pipe) LocalAddr() netip.AddrPort { return p.addr }

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// ListenUDP opens a UDP link bound to the given local address. Each Homa
// packet travels as one datagram. Packet priority is not representable on a
// plain UDP socket and is dropped in transit.
func ListenUDP(local netip.AddrPort) (Link, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, err
	}
	return &udpLink{
		conn: conn,
		addr: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
	}, nil
}

type udpLink struct {
	conn *net.UDPConn
	addr netip.AddrPort
}

// Send implements a method of the [Link] interface.
func (u *udpLink) Send(pkt *wire.Packet, to netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(pkt.Encode(), to)
	return err
}

// Recv implements a method of the [Link] interface.
func (u *udpLink) Recv() (*wire.Packet, netip.AddrPort, error) {
	buf := make([]byte, 65536)
	n, from, err := u.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		return nil, from, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pkt, from, nil
}

// Close implements a method of the [Link] interface.
func (u *udpLink) Close() error { return u.conn.Close() }

// LocalAddr implements a method of the [Link] interface.
func (u *udpLink) LocalAddr() netip.AddrPort { return u.addr }
