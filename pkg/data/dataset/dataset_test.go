// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

func init() {
	klog.InitFlags(nil)
}

const csvData = `x,y,channel
0.5,10.5,a
1.5,11.5,b
2.5,12.5,a
3.5,13.5,b
4.5,14.5,a
`

func readTestDataset(t *testing.T) *Dataset {
	ds, err := ReadCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	return ds
}

func TestReadCSV(t *testing.T) {
	ds := readTestDataset(t)
	assert.Equal(t, 5, ds.NumRows())
	assert.Equal(t, []string{"x", "y", "channel"}, ds.Columns())

	spans, err := ds.Spans("", "")
	require.NoError(t, err)
	assert.Equal(t, []compute.Key{"x", "y"}, spans.Keys())
	assert.Equal(t, []float64{0.5, 1.5, 2.5, 3.5, 4.5}, spans["x"].Data())
	assert.Equal(t, []float64{10.5, 11.5, 12.5, 13.5, 14.5}, spans["y"].Data())

	labels, err := ds.Categories("channel")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, labels)
}

func TestRanges(t *testing.T) {
	ds := readTestDataset(t)
	require.NoError(t, ds.DefineRange("low", "x", 0, 2))
	require.NoError(t, ds.DefineRange("high", "x", 4, 5))
	require.NoError(t, ds.DefineRange("box", "x", 1, 4))
	require.NoError(t, ds.DefineRange("box", "y", 12, 20))
	assert.Equal(t, []string{"box", "high", "low"}, ds.Ranges())

	spans, err := ds.Spans("low", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, spans["x"].Data())

	// Union of ranges keeps the row order of the dataset.
	spans, err = ds.Spans("high,low", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5, 4.5}, spans["x"].Data())
	assert.Equal(t, []float64{10.5, 11.5, 14.5}, spans["y"].Data())

	// Cuts over several columns must all hold.
	spans, err = ds.Spans("box", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 3.5}, spans["x"].Data())

	// Overlapping ranges select each row once, and bounds are inclusive.
	spans, err = ds.Spans("low, box", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5, 2.5, 3.5}, spans["x"].Data())
	require.NoError(t, ds.DefineRange("edges", "x", 1.5, 3.5))
	spans, err = ds.Spans("edges", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, spans["x"].Data())

	// Redefining a column replaces its bounds.
	require.NoError(t, ds.DefineRange("low", "x", 10, 20))
	spans, err = ds.Spans("low", "")
	require.NoError(t, err)
	assert.Equal(t, 0, spans["x"].Len())

	_, err = ds.Spans("missing", "")
	require.ErrorIs(t, err, compute.ErrDataBinding)
	require.ErrorIs(t, ds.DefineRange("bad", "z", 0, 1), compute.ErrDataBinding)
	require.ErrorIs(t, ds.DefineRange("bad", "channel", 0, 1), compute.ErrDataBinding)
	require.ErrorIs(t, ds.DefineRange("a,b", "x", 0, 1), compute.ErrDataBinding)
	require.ErrorIs(t, ds.DefineRange("bad", "x", 1, 0), compute.ErrDataBinding)
}

func TestSplit(t *testing.T) {
	ds := readTestDataset(t)
	spans, err := ds.Spans("", "channel")
	require.NoError(t, err)
	assert.Equal(t, []compute.Key{"a_x", "a_y", "b_x", "b_y"}, spans.Keys())
	assert.Equal(t, []float64{0.5, 2.5, 4.5}, spans["a_x"].Data())
	assert.Equal(t, []float64{11.5, 13.5}, spans["b_y"].Data())

	require.NoError(t, ds.DefineRange("low", "x", 0, 3))
	spans, err = ds.Spans("low", "channel")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 2.5}, spans["a_x"].Data())
	assert.Equal(t, []float64{1.5}, spans["b_x"].Data())

	_, err = ds.Spans("", "detector")
	require.ErrorIs(t, err, compute.ErrDataBinding)
}

func TestFromDataFrame(t *testing.T) {
	df := dataframe.New(
		series.New([]float64{1, 2, 3}, series.Float, "x"),
		series.New([]int{4, 5, 6}, series.Int, "n"),
	)
	ds, err := FromDataFrame(df)
	require.NoError(t, err)
	spans, err := ds.Spans("", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, spans["n"].Data())

	// Bounds on integer columns are not truncated.
	require.NoError(t, ds.DefineRange("upper", "n", 4.5, 6))
	spans, err = ds.Spans("upper", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, spans["x"].Data())

	df.Err = compute.ErrDataBinding
	_, err = FromDataFrame(df)
	require.Error(t, err)
}
