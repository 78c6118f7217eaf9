// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import "errors"

// Errors reported by the transport. Per-RPC fatal errors are sticky: once one
// is recorded on an RPC it is reported to any waiter and the RPC proceeds to
// its terminal state.
var (
	// ErrTimeout is reported when the peer of an RPC has been silent past the
	// configured timeout, or has ignored too many RESEND requests.
	ErrTimeout = errors.New("peer timed out")

	// ErrCanceled is reported for an RPC torn down by a local abort.
	ErrCanceled = errors.New("rpc canceled")

	// ErrUnknownRPC is reported when the peer disclaims knowledge of an RPC
	// for which a response was still outstanding.
	ErrUnknownRPC = errors.New("rpc unknown to peer")

	// ErrShutdown is reported for operations on a socket that has been shut
	// down, and for RPCs torn down by a shutdown.
	ErrShutdown = errors.New("socket has been shut down")

	// ErrNoSpace is reported when the receive region has no free bpages.
	ErrNoSpace = errors.New("no buffer space available")

	// ErrNoRegion is reported by Receive when no receive region has been
	// registered on the socket.
	ErrNoRegion = errors.New("no receive region registered")

	// ErrBadArgument is reported for invalid user-supplied arguments.
	ErrBadArgument = errors.New("invalid argument")

	// ErrPortInUse is reported when binding a port that is already bound.
	ErrPortInUse = errors.New("port is already bound")
)
