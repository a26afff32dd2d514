// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements a pool of reusable float64 buffers, bucketed by power-of-two
// capacity.
//
// Evaluation passes acquire one buffer per computed node and release it as soon as its
// last client consumed it, so steady-state passes run without allocations.
//
// Each buffer is either live (handed out by Acquire and not yet released) or pooled. A live
// buffer is never handed out twice, and releasing a buffer that is not live panics: an
// aliasing bug in the caller would otherwise silently corrupt results.
package buffers

import (
	"math/bits"
	"sync"

	"github.com/gomlx/exceptions"
)

// maxClass is the largest supported size class (capacity 1<<maxClass).
const maxClass = 48

// Buffer is a float64 buffer owned by a Pool.
type Buffer struct {
	pool  *Pool
	data  []float64
	class int
	live  bool
}

// Data returns the contents of the buffer, with the length requested to Acquire.
// The contents are undefined right after Acquire.
func (b *Buffer) Data() []float64 {
	return b.data
}

// Len returns the length requested to Acquire.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the capacity of the buffer, the power of two of its size class.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// IsLive returns whether the buffer has been acquired and not yet released.
func (b *Buffer) IsLive() bool {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.live
}

// Stats of a Pool.
type Stats struct {
	// Hits counts acquisitions served with a pooled buffer, Misses the ones that
	// required a new allocation.
	Hits, Misses int64

	// Live is the number of acquired and not yet released buffers, Pooled the number of
	// released buffers available for reuse.
	Live, Pooled int

	// AllocatedBytes currently held by the pool, live and pooled.
	AllocatedBytes int64
}

// Pool of reusable buffers. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	classes [maxClass + 1][]*Buffer
	stats   Stats
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{}
}

// sizeClass returns the smallest class whose capacity fits size.
func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

// Acquire returns a live buffer of length size.
//
// The smallest pooled buffer that fits is reused, most recently released first. If there
// is none, a new one is allocated with the capacity of the size class of size.
func (p *Pool) Acquire(size int) *Buffer {
	if size < 0 {
		exceptions.Panicf("buffers.Acquire(%d): negative size", size)
	}
	class := sizeClass(size)
	if class > maxClass {
		exceptions.Panicf("buffers.Acquire(%d): size too large", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for c := class; c <= maxClass; c++ {
		stack := p.classes[c]
		if len(stack) == 0 {
			continue
		}
		buf := stack[len(stack)-1]
		stack[len(stack)-1] = nil
		p.classes[c] = stack[:len(stack)-1]
		buf.data = buf.data[:size]
		buf.live = true
		p.stats.Hits++
		p.stats.Pooled--
		p.stats.Live++
		return buf
	}

	capacity := 1 << class
	buf := &Buffer{
		pool:  p,
		data:  make([]float64, size, capacity),
		class: class,
		live:  true,
	}
	p.stats.Misses++
	p.stats.Live++
	p.stats.AllocatedBytes += int64(capacity) * 8
	return buf
}

// Release returns a live buffer to the pool. The buffer must not be used afterwards.
//
// Releasing a nil buffer is a no-op. Releasing a buffer that is not live, or that belongs to
// another pool, panics.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	if buf.pool != p {
		exceptions.Panicf("buffers.Release: buffer belongs to a different pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !buf.live {
		exceptions.Panicf("buffers.Release: buffer (len=%d, cap=%d) released twice", len(buf.data), cap(buf.data))
	}
	buf.live = false
	p.classes[buf.class] = append(p.classes[buf.class], buf)
	p.stats.Live--
	p.stats.Pooled++
}

// Stats returns a snapshot of the pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Free drops all pooled buffers, so they can be garbage collected.
// Live buffers are not affected.
func (p *Pool) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, stack := range p.classes {
		for _, buf := range stack {
			p.stats.AllocatedBytes -= int64(cap(buf.data)) * 8
			buf.data = nil
		}
		p.stats.Pooled -= len(stack)
		p.classes[c] = nil
	}
}
