// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	assert.False(t, l.Test())
	want := errors.New("kernel failed")
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger(want)
	}()
	require.ErrorIs(t, l.Wait(), want)
	assert.True(t, l.Test())

	// Only the first trigger counts.
	l.Trigger(nil)
	require.ErrorIs(t, l.Wait(), want)
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	require.True(t, wg.TryAdd())
	require.True(t, wg.TryAdd())

	done := NewLatchWithValue[struct{}]()
	go func() {
		wg.CloseAndWait()
		done.Trigger(struct{}{})
	}()
	wg.Done()
	time.Sleep(time.Millisecond)
	assert.False(t, done.Test(), "CloseAndWait returned with operations in-flight")
	wg.Done()
	done.Wait()
	assert.False(t, wg.TryAdd(), "TryAdd should fail after CloseAndWait")
	assert.Panics(t, wg.Done)
}
