// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup counts in-flight operations and lets one wait for all of them to finish.
//
// Unlike sync.WaitGroup, operations may be added while someone is waiting, and TryAdd
// refuses new ones after Close, so an owner can drain outstanding work before releasing
// the resources it uses.
type DynamicWaitGroup struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int64
	closed bool
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// TryAdd registers one more in-flight operation. It returns false, without registering
// it, if the group was closed.
func (wg *DynamicWaitGroup) TryAdd() bool {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if wg.closed {
		return false
	}
	wg.count++
	return true
}

// Done marks one operation as finished. It panics if there were none in-flight.
func (wg *DynamicWaitGroup) Done() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count--
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// CloseAndWait refuses any further TryAdd and blocks until all in-flight operations are done.
func (wg *DynamicWaitGroup) CloseAndWait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.closed = true
	for wg.count > 0 {
		wg.cond.Wait()
	}
}
