// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	const maxParallelism = 3
	pool := New(maxParallelism)
	release := make(chan struct{})
	var running, started, maxSeen atomic.Int32
	go func() {
		for range 3 * maxParallelism {
			pool.WaitToStart(func() {
				started.Add(1)
				current := running.Add(1)
				for {
					seen := maxSeen.Load()
					if current <= seen || maxSeen.CompareAndSwap(seen, current) {
						break
					}
				}
				<-release
				running.Add(-1)
			})
		}
	}()
	require.Eventually(t, func() bool { return started.Load() == maxParallelism }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(maxParallelism), started.Load(), "pool should be full")
	close(release)
	require.Eventually(t, func() bool { return started.Load() == 3*maxParallelism }, time.Second, time.Millisecond)
	pool.WaitIdle()
	assert.Zero(t, running.Load())
	assert.LessOrEqual(t, int(maxSeen.Load()), maxParallelism)
}

func TestPool_Inline(t *testing.T) {
	pool := New(0)
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count, "no parallelism: the task runs inline")
	pool.WaitIdle()
}

func TestPool_Unlimited(t *testing.T) {
	pool := New(-1)
	release := make(chan struct{})
	var count atomic.Int32
	for range 100 {
		// Never blocks: all tasks are waiting on release.
		pool.WaitToStart(func() {
			<-release
			count.Add(1)
		})
	}
	close(release)
	pool.WaitIdle()
	assert.Equal(t, int32(100), count.Load())
}
