// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatchMode(t *testing.T) {
	for input, want := range map[string]BatchMode{
		"":      BatchModeOff,
		"off":   BatchModeOff,
		"CPU":   BatchModeCPU,
		" gpu ": BatchModeGPU,
		"cuda":  BatchModeGPU,
	} {
		got, err := ParseBatchMode(input)
		require.NoErrorf(t, err, "batch mode %q", input)
		assert.Equalf(t, want, got, "batch mode %q", input)
	}
	_, err := ParseBatchMode("tpu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tpu")

	for _, mode := range []BatchMode{BatchModeOff, BatchModeCPU, BatchModeGPU} {
		parsed, err := ParseBatchMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	assert.Equal(t, "BatchMode(7)", BatchMode(7).String())
	assert.Equal(t, "gpu", DeviceGPU.String())
	assert.Equal(t, "Batch", ModeBatch.String())
}

func TestSpan(t *testing.T) {
	s := NewSpan([]float64{1, 2, 3, 4})
	assert.Equal(t, 4, s.Len())
	assert.False(t, s.IsScalar())
	assert.Equal(t, 3.0, s.At(2))
	sub := s.Slice(1, 3)
	assert.Equal(t, []float64{2, 3}, sub.Data())

	// A length-1 span is a constant stream.
	c := ScalarSpan(7)
	require.True(t, c.IsScalar())
	for ii := range 10 {
		assert.Equal(t, 7.0, c.At(ii))
	}
	assert.True(t, s.Slice(3, 4).IsScalar())
	assert.Equal(t, 4.0, s.Slice(3, 4).At(100))

	// Out of range on a regular span panics.
	assert.Panics(t, func() { s.At(4) })

	spans := DataSpans{"y": s, "x": c}
	assert.Equal(t, []Key{"x", "y"}, spans.Keys())
}

func TestNormSet(t *testing.T) {
	var empty NormSet
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.Has("x"))
	assert.Empty(t, empty.Keys())

	norm := NewNormSet("y", "x", "y")
	assert.Equal(t, 2, norm.Len())
	assert.True(t, norm.Has("x"))
	assert.False(t, norm.Has("z"))
	assert.Equal(t, []Key{"x", "y"}, norm.Keys())
}

func TestErrorKinds(t *testing.T) {
	err := Configurationf("bad graph %q", "g")
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), `bad graph "g"`)
	wrapped := errors.WithMessage(DataBindingf("no data for %q", "x"), "SetData")
	require.ErrorIs(t, wrapped, ErrDataBinding)
	assert.NotErrorIs(t, wrapped, ErrDevice)
	require.ErrorIs(t, Devicef("lost"), ErrDevice)
}
