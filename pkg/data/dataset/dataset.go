// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset implements the structured dataset the evaluation driver binds data from: a
// table of named columns stored in a gota DataFrame, with named ranges to select rows and
// the option of splitting the selected rows by the values of a category column.
package dataset

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// cut selects the rows where column is in [lo, hi].
type cut struct {
	column string
	lo, hi float64
}

// Dataset is a table of columns, bound to the driver through Spans.
type Dataset struct {
	df     dataframe.DataFrame
	ranges map[string][]cut
}

// FromDataFrame creates a Dataset from a DataFrame.
func FromDataFrame(df dataframe.DataFrame) (*Dataset, error) {
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "invalid DataFrame for dataset")
	}
	return &Dataset{df: df, ranges: make(map[string][]cut)}, nil
}

// ReadCSV reads a CSV with a header line, detecting the column types.
func ReadCSV(r io.Reader) (*Dataset, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DetectTypes(true))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to read CSV dataset")
	}
	return FromDataFrame(df)
}

// LoadCSV reads a CSV file with a header line. See ReadCSV.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", path)
	}
	defer func() { _ = f.Close() }()
	ds, err := ReadCSV(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", path)
	}
	return ds, nil
}

// DataFrame returns the underlying DataFrame.
func (d *Dataset) DataFrame() dataframe.DataFrame {
	return d.df
}

// NumRows returns the number of rows.
func (d *Dataset) NumRows() int {
	return d.df.Nrow()
}

// Columns returns the names of the columns.
func (d *Dataset) Columns() []string {
	return d.df.Names()
}

func (d *Dataset) hasColumn(name string) bool {
	return slices.Contains(d.df.Names(), name)
}

func isNumeric(s series.Series) bool {
	return s.Type() == series.Float || s.Type() == series.Int || s.Type() == series.Bool
}

// DefineRange adds to the named range the condition lo <= column <= hi. A range defined over
// several columns selects the rows satisfying all of them. Defining the same column again
// replaces its bounds.
func (d *Dataset) DefineRange(name, column string, lo, hi float64) error {
	if name == "" || strings.Contains(name, ",") {
		return compute.DataBindingf("invalid range name %q", name)
	}
	if !d.hasColumn(column) || !isNumeric(d.df.Col(column)) {
		return compute.DataBindingf("range %q: no numeric column %q in dataset", name, column)
	}
	if lo > hi {
		return compute.DataBindingf("range %q: empty interval [%g, %g] for column %q", name, lo, hi, column)
	}
	cuts := d.ranges[name]
	for ii := range cuts {
		if cuts[ii].column == column {
			cuts[ii].lo, cuts[ii].hi = lo, hi
			return nil
		}
	}
	d.ranges[name] = append(cuts, cut{column: column, lo: lo, hi: hi})
	return nil
}

// Ranges returns the names of the defined ranges, sorted.
func (d *Dataset) Ranges() []string {
	names := make([]string, 0, len(d.ranges))
	for name := range d.ranges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// selectRows returns the indices of the rows in any of the comma-separated ranges in
// rangeName, or all rows if rangeName is empty. Rows are returned in dataset order.
func (d *Dataset) selectRows(rangeName string) ([]int, error) {
	numRows := d.df.Nrow()
	rowIndices := make([]int, numRows)
	for ii := range rowIndices {
		rowIndices[ii] = ii
	}
	if rangeName == "" {
		return rowIndices, nil
	}

	// The cuts are applied on a table with the row indices in column 0 and float versions of
	// the cut columns, so that bounds compare as floats whatever the column type.
	table := []series.Series{series.Ints(rowIndices)}
	tableColumn := make(map[string]int)
	var rangeCuts [][]cut
	for _, name := range strings.Split(rangeName, ",") {
		name = strings.TrimSpace(name)
		cuts, found := d.ranges[name]
		if !found {
			return nil, compute.DataBindingf("range %q not defined in dataset (defined ranges: %q)", name, d.Ranges())
		}
		for _, c := range cuts {
			if _, found := tableColumn[c.column]; !found {
				tableColumn[c.column] = len(table)
				table = append(table, series.Floats(d.df.Col(c.column).Float()))
			}
		}
		rangeCuts = append(rangeCuts, cuts)
	}
	cutsTable := dataframe.New(table...)

	selected := make([]bool, numRows)
	for _, cuts := range rangeCuts {
		filters := make([]dataframe.F, 0, 2*len(cuts))
		for _, c := range cuts {
			idx := tableColumn[c.column]
			filters = append(filters,
				dataframe.F{Colidx: idx, Comparator: series.GreaterEq, Comparando: c.lo},
				dataframe.F{Colidx: idx, Comparator: series.LessEq, Comparando: c.hi})
		}
		inRange := cutsTable.FilterAggregation(dataframe.And, filters...)
		if inRange.Err != nil {
			return nil, errors.Wrapf(inRange.Err, "failed to select the rows of range %q", rangeName)
		}
		indices, err := inRange.Col(inRange.Names()[0]).Int()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select the rows of range %q", rangeName)
		}
		for _, row := range indices {
			selected[row] = true
		}
	}
	var rows []int
	for ii, sel := range selected {
		if sel {
			rows = append(rows, ii)
		}
	}
	return rows, nil
}

// Spans returns one span per numeric column with the values of the rows selected by
// rangeName: a comma-separated list of ranges defined with DefineRange, whose rows are
// joined. An empty rangeName selects all rows.
//
// If splitCategory is not empty, it names a column whose distinct values (labels) split the
// selected rows: the spans are keyed "<label>_<column>" for every label and every other
// numeric column.
//
// Unknown ranges or category columns return an error of kind compute.ErrDataBinding.
func (d *Dataset) Spans(rangeName, splitCategory string) (compute.DataSpans, error) {
	rows, err := d.selectRows(rangeName)
	if err != nil {
		return nil, err
	}
	if splitCategory == "" {
		return d.numericSpans(rows, "", ""), nil
	}

	if !d.hasColumn(splitCategory) {
		return nil, compute.DataBindingf("split category %q is not a column of the dataset", splitCategory)
	}
	labels := d.df.Col(splitCategory).Records()
	rowsPerLabel := make(map[string][]int)
	for _, row := range rows {
		label := labels[row]
		rowsPerLabel[label] = append(rowsPerLabel[label], row)
	}
	spans := make(compute.DataSpans)
	for label, labelRows := range rowsPerLabel {
		for key, span := range d.numericSpans(labelRows, label+"_", splitCategory) {
			spans[key] = span
		}
	}
	return spans, nil
}

// Categories returns the distinct values of a column, sorted.
func (d *Dataset) Categories(column string) ([]string, error) {
	if !d.hasColumn(column) {
		return nil, compute.DataBindingf("%q is not a column of the dataset", column)
	}
	labels := slices.Clone(d.df.Col(column).Records())
	slices.Sort(labels)
	return slices.Compact(labels), nil
}

// numericSpans returns the spans of the numeric columns (except exclude) for the given rows,
// with keys prefixed by prefix.
func (d *Dataset) numericSpans(rows []int, prefix, exclude string) compute.DataSpans {
	spans := make(compute.DataSpans)
	var subset dataframe.DataFrame
	if len(rows) > 0 {
		subset = d.df.Subset(rows)
	}
	for _, name := range d.df.Names() {
		if name == exclude || !isNumeric(d.df.Col(name)) {
			continue
		}
		var values []float64
		if len(rows) > 0 {
			values = subset.Col(name).Float()
		} else {
			values = []float64{}
		}
		spans[compute.Key(prefix+name)] = compute.NewSpan(values)
	}
	return spans
}
