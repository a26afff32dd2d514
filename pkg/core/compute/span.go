// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"slices"

	"github.com/gomlx/evaldriver/pkg/support/sets"
)

// Span is an immutable, non-owning view over a contiguous sequence of float64 values.
//
// A Span of length 1 is treated as a constant stream by At.
type Span struct {
	data []float64
}

// NewSpan wraps data. The caller must not modify data while the Span is in use.
func NewSpan(data []float64) Span {
	return Span{data: data}
}

// ScalarSpan returns a length-1 span holding value.
func ScalarSpan(value float64) Span {
	return Span{data: []float64{value}}
}

// Len returns the number of values in the span.
func (s Span) Len() int {
	return len(s.data)
}

// IsScalar returns whether the span holds exactly one value.
func (s Span) IsScalar() bool {
	return len(s.data) == 1
}

// At returns the i-th value, or the only value if the span is scalar.
func (s Span) At(i int) float64 {
	if len(s.data) == 1 {
		return s.data[0]
	}
	return s.data[i]
}

// Data returns the underlying values. They must be treated as read-only.
func (s Span) Data() []float64 {
	return s.data
}

// Slice returns the sub-span [from, to).
func (s Span) Slice(from, to int) Span {
	return Span{data: s.data[from:to]}
}

// DataSpans maps node keys to the data bound to them.
type DataSpans map[Key]Span

// Keys returns the keys of the map, sorted.
func (d DataSpans) Keys() []Key {
	keys := make([]Key, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NormSet is the normalization context: the set of variables (node keys) over which values
// are normalized. The zero value is the empty set.
type NormSet struct {
	keys sets.Set[Key]
}

// NewNormSet returns a NormSet with the given keys.
func NewNormSet(keys ...Key) NormSet {
	return NormSet{keys: sets.MakeWith(keys...)}
}

// Has returns whether key is in the set.
func (n NormSet) Has(key Key) bool {
	return n.keys.Has(key)
}

// Len returns the number of keys.
func (n NormSet) Len() int {
	return len(n.keys)
}

// Keys returns the keys, sorted.
func (n NormSet) Keys() []Key {
	return sets.Sorted(n.keys)
}
