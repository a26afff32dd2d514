// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestSizeClass(t *testing.T) {
	for size, want := range map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 1000: 10, 1024: 10, 1025: 11} {
		assert.Equalf(t, want, sizeClass(size), "sizeClass(%d)", size)
	}
}

func TestAcquireRelease(t *testing.T) {
	pool := New()
	a := pool.Acquire(5)
	require.Equal(t, 5, a.Len())
	require.Equal(t, 8, a.Cap())
	require.True(t, a.IsLive())
	for ii := range a.Data() {
		a.Data()[ii] = float64(ii)
	}

	b := pool.Acquire(5)
	require.NotSame(t, a, b, "live buffers must never be handed out twice")
	assert.Equal(t, Stats{Misses: 2, Live: 2, AllocatedBytes: 2 * 8 * 8}, pool.Stats())

	pool.Release(a)
	require.False(t, a.IsLive())
	c := pool.Acquire(7)
	require.Same(t, a, c, "same size class should be reused")
	require.Equal(t, 7, c.Len())
	assert.Equal(t, Stats{Hits: 1, Misses: 2, Live: 2, AllocatedBytes: 2 * 8 * 8}, pool.Stats())

	// LIFO per size class.
	pool.Release(b)
	pool.Release(c)
	require.Same(t, c, pool.Acquire(8))
	require.Same(t, b, pool.Acquire(6))
}

func TestAcquireUsesSmallestLargerClass(t *testing.T) {
	pool := New()
	small, medium, large := pool.Acquire(4), pool.Acquire(16), pool.Acquire(64)
	pool.Release(large)
	pool.Release(medium)
	pool.Release(small)

	got := pool.Acquire(10)
	require.Same(t, medium, got)
	require.Equal(t, 10, got.Len())
	require.Equal(t, 16, got.Cap())

	// The reused buffer returns to its own class.
	pool.Release(got)
	require.Same(t, medium, pool.Acquire(16))
}

func TestReleaseGuards(t *testing.T) {
	pool := New()
	buf := pool.Acquire(3)
	pool.Release(buf)
	require.Panics(t, func() { pool.Release(buf) }, "double release")

	other := New()
	foreign := other.Acquire(3)
	require.Panics(t, func() { pool.Release(foreign) }, "release into the wrong pool")

	require.NotPanics(t, func() { pool.Release(nil) })
	require.Panics(t, func() { pool.Acquire(-1) })
}

func TestFree(t *testing.T) {
	pool := New()
	live := pool.Acquire(100)
	pooled := pool.Acquire(100)
	pool.Release(pooled)
	pool.Free()
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 0, stats.Pooled)
	assert.Equal(t, int64(128*8), stats.AllocatedBytes)

	// Freed buffers are not reused.
	again := pool.Acquire(100)
	require.NotSame(t, pooled, again)
	pool.Release(live)
	pool.Release(again)
	assert.Equal(t, 2, pool.Stats().Pooled)
}

func TestConcurrentUse(t *testing.T) {
	pool := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range 100 {
				buf := pool.Acquire(ii%17 + 1)
				buf.Data()[0] = float64(ii)
				pool.Release(buf)
			}
		}()
	}
	wg.Wait()
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Live)
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
}
