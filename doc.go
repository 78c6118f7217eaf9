// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package homa implements the transport core of Homa, a message-oriented,
// connectionless protocol for datacenter RPC.
//
// Unlike a byte-stream transport, Homa carries whole messages: each message
// is the request or the response of an RPC named by a (peer, id) pair. Short
// messages ride a priority fast path, and long inbound messages are paced by
// grants from the receiver, which keeps its own queues short and its tail
// latency low under load with mixed message sizes.
//
// # Transports and sockets
//
// A [Transport] is one Homa instance on a host. It runs over a [link.Link],
// the datagram path to the network:
//
//	t := homa.New(nil).Start(lk)
//	defer t.Stop()
//
// Sockets are bound on the transport by port. Ports below the configured
// boundary are server ports; port zero assigns an ephemeral client port:
//
//	sk, err := t.Open(100)
//	...
//	sk.SetRegion(make([]byte, 64*pool.BpageSize))
//
// Every socket that receives messages must register a buffer region, a
// multiple of the bpage size. Inbound message bytes land directly in the
// region, and [Socket.Receive] hands out the bpages holding them; the caller
// consumes the bytes in place and returns the bpages with [Message.Release].
//
// # RPCs
//
// A client starts an RPC with [Socket.SendRequest], which returns the RPC id
// without waiting. The response, or the RPC's failure, arrives later as a
// [Message] from [Socket.Receive], carrying the cookie passed to SendRequest.
// A server receives requests from the same Receive call, marked IsRequest,
// and answers them with [Message.Respond].
//
// The transport retransmits lost packets, times out unresponsive peers, and
// acknowledges completed RPCs so both ends can reclaim state; none of this
// needs attention from the caller.
//
// # Metrics
//
// Transports maintain a collection of expvar metrics while running; use
// [Transport.Metrics] to obtain the map. [Transport.LogPackets] registers a
// callback observing every packet sent and received.
package homa
