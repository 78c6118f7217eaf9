// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package homatest provides support code for wiring and testing Homa
// transports.
package homatest

import (
	"net/netip"

	"github.com/himsangseung/homa"
	"github.com/himsangseung/homa/link"
)

// Addresses assigned to the ends of a Local pair.
var (
	AddrA = netip.MustParseAddrPort("10.0.0.1:4000")
	AddrB = netip.MustParseAddrPort("10.0.0.2:4000")
)

// Local is a pair of in-memory connected transports, suitable for testing.
// Packets pass directly between them without encoding.
type Local struct {
	A *homa.Transport
	B *homa.Transport
}

// NewLocal creates a pair of connected transports with the given
// configurations. A nil config selects the defaults. Both transports are
// started; the caller is responsible for stopping them.
func NewLocal(cfgA, cfgB *homa.Config) *Local {
	la, lb := link.Pipe(AddrA, AddrB)
	return &Local{
		A: homa.New(cfgA).Start(la),
		B: homa.New(cfgB).Start(lb),
	}
}

// Stop shuts down both transports and blocks until both have exited.
func (l *Local) Stop() error {
	aerr := l.A.Stop()
	berr := l.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// Tick advances the timer of both transports by n ticks, interleaved, the
// way wall-clock ticks would land on two live hosts.
func (l *Local) Tick(n int) {
	for range n {
		l.A.Tick()
		l.B.Tick()
	}
}
