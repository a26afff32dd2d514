// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// LatchWithValue is a signal that can be waited for until it is triggered, carrying a value
// set when it is triggered: e.g.: the completion status of an asynchronous operation.
// Once triggered it never changes state.
type LatchWithValue[T any] struct {
	muTrigger sync.Mutex
	wait      chan struct{}
	value     T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{wait: make(chan struct{})}
}

// Trigger the latch with value. Only the first trigger sets the value.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	l.value = value
	close(l.wait)
}

// Wait blocks until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.wait
	return l.value
}

// Test checks whether the latch has been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}
