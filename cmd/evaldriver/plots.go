// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plotPasses saves a plot of the duration of each evaluation pass, one line per runner.
func plotPasses(filePath string, results []*runResult) error {
	p := plot.New()
	p.Title.Text = "Evaluation passes"
	p.X.Label.Text = "pass"
	p.Y.Label.Text = "duration (ms)"
	p.Add(plotter.NewGrid())
	for ii, r := range results {
		points := make(plotter.XYs, len(r.passes))
		for pass, d := range r.passes {
			points[pass].X = float64(pass)
			points[pass].Y = float64(d.Microseconds()) / 1000.0
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot the passes of runner #%d", r.runner)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("runner #%d", r.runner), line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
