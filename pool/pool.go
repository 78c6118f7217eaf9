// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package pool manages the user-registered receive region of a Homa socket.
//
// The region is carved into fixed-size bpages. Inbound message data is copied
// directly into bpages, and the user consumes it in place: the receive API
// hands out bpage indices, and the user returns them to the pool when done.
// A bpage has at most one owner at a time, either the free list or a single
// incoming message.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// BpageSize is the size in bytes of one bpage, the allocation unit of the
// receive region. The region length must be a multiple of this size.
const BpageSize = 64 * 1024

var (
	// ErrBadRegion is reported when a region's length is zero or not a
	// multiple of BpageSize.
	ErrBadRegion = errors.New("region length is not a positive multiple of the bpage size")

	// ErrExhausted is reported by Alloc when no bpage is free.
	ErrExhausted = errors.New("no free bpages")
)

// A Pool allocates bpages out of a user-provided region.
// It is safe for concurrent use by multiple goroutines.
type Pool struct {
	mu     sync.Mutex
	region []byte
	free   []int  // indices of free bpages, used as a stack
	owned  []bool // owned[i] reports whether bpage i is allocated
}

// New constructs a pool over region. The region length must be a positive
// multiple of BpageSize; otherwise New reports ErrBadRegion.
func New(region []byte) (*Pool, error) {
	if len(region) == 0 || len(region)%BpageSize != 0 {
		return nil, fmt.Errorf("pool region of %d bytes: %w", len(region), ErrBadRegion)
	}
	n := len(region) / BpageSize
	p := &Pool{
		region: region,
		free:   make([]int, n),
		owned:  make([]bool, n),
	}
	// Hand out low indices first so allocation order is predictable.
	for i := range p.free {
		p.free[i] = n - 1 - i
	}
	return p, nil
}

// NumBpages reports the total number of bpages in the region.
func (p *Pool) NumBpages() int { return len(p.owned) }

// NumFree reports the number of bpages currently free.
func (p *Pool) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Alloc allocates a free bpage and returns its index.
// If every bpage is owned, it reports ErrExhausted.
func (p *Pool) Alloc() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.owned[idx] = true
	return idx, nil
}

// Free returns bpage idx to the free list. It panics if idx is out of range
// or not currently allocated, since that means two owners existed.
func (p *Pool) Free(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.owned) {
		panic(fmt.Sprintf("free of bpage %d outside region of %d bpages", idx, len(p.owned)))
	}
	if !p.owned[idx] {
		panic(fmt.Sprintf("double free of bpage %d", idx))
	}
	p.owned[idx] = false
	p.free = append(p.free, idx)
}

// FreeAll returns each listed bpage to the free list.
func (p *Pool) FreeAll(idxs []int) {
	for _, idx := range idxs {
		p.Free(idx)
	}
}

// Bpage returns the memory of bpage idx. The caller must own the bpage.
func (p *Pool) Bpage(idx int) []byte {
	return p.region[idx*BpageSize : (idx+1)*BpageSize : (idx+1)*BpageSize]
}
