// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/support/xslices"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	gpuStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD700"))

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// setColorProfile configures the color output of the reports: "auto" follows the terminal
// and the NO_COLOR/CLICOLOR environment variables.
func setColorProfile(mode string) error {
	switch strings.ToLower(mode) {
	case "auto":
		if termenv.EnvNoColor() {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		return errors.Errorf("invalid -color=%q, valid values are \"auto\", \"always\" or \"never\"", mode)
	}
	return nil
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// report prints the tables with the results of all runners.
func report(results []*runResult) {
	fmt.Println(titleStyle.Render("Results"))
	table := newPlainTable(true).Headers("Runner", "Driver", "Top", "Value", "Passes", "Mean", "StdDev", "Total")
	for _, r := range results {
		mean, stddev := passStats(r.passes)
		table.Row(
			fmt.Sprintf("#%d", r.runner), shortID(r.driverID), r.top,
			fmt.Sprintf("%.10g", r.value),
			humanize.Comma(int64(r.stats.Passes)),
			mean.String(), stddev.String(),
			r.stats.TotalPassTime.Round(time.Microsecond).String())
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Placement"))
	table = newPlainTable(true).Headers("Runner", "Phase", "On Accelerator", "Resimulations", "Projected", "Baseline")
	for _, r := range results {
		table.Row(
			fmt.Sprintf("#%d", r.runner), r.stats.Phase.String(),
			fmt.Sprintf("%d / %d", r.stats.NumOnGPU, numComputed(r)),
			humanize.Comma(int64(r.stats.Resimulations)),
			r.stats.Projected.String(), r.stats.Baseline.String())
	}
	fmt.Println(table.Render())

	// All runners evaluate the same graph, the nodes of the first one are representative.
	reportNodes(results[0])

	fmt.Println(titleStyle.Render("Memory and Transfers"))
	table = newPlainTable(true).Headers("Runner", "Pool Hits", "Pool Misses", "Pooled", "Host Memory",
		"H2D Copies", "H2D Time", "D2H Copies", "D2H Time", "Device Dataset")
	for _, r := range results {
		s := r.stats
		table.Row(
			fmt.Sprintf("#%d", r.runner),
			humanize.Comma(s.Pool.Hits), humanize.Comma(s.Pool.Misses),
			humanize.Comma(int64(s.Pool.Pooled)),
			humanize.Bytes(uint64(s.Pool.AllocatedBytes)),
			humanize.Comma(int64(s.H2DCopies)), s.H2DTime.String(),
			humanize.Comma(int64(s.D2HCopies)), s.D2HTime.String(),
			humanize.Bytes(uint64(8*s.DeviceDataValues)))
	}
	fmt.Println(table.Render())

	if *flagValues && results[0].values != nil {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Values of %q", results[0].top)))
		values := xslices.Map(results[0].values, func(v float64) string { return fmt.Sprintf("%.6g", v) })
		fmt.Println(strings.Join(values, " "))
	}
}

// reportNodes prints the placement of each node of a runner, in evaluation order.
func reportNodes(r *runResult) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Nodes (runner #%d)", r.runner)))
	table := newPlainTable(true).Headers("#", "Node", "Size", "Binding", "Next", "Last",
		"Evaluations", "CPU Time", "GPU Time", "CPU Estimate", "GPU Estimate")
	for ii, p := range r.placement {
		binding := "computed"
		switch {
		case p.FromData:
			binding = "data"
		case p.Skipped:
			binding = "skipped"
		case p.ForceCPU:
			binding = "cpu only"
		}
		next := p.Device.String()
		if p.Device == compute.DeviceGPU {
			next = gpuStyle.Render(next)
		}
		table.Row(
			fmt.Sprintf("%d", ii), string(p.Key),
			humanize.Comma(int64(p.Size)), binding, next, p.LastDevice.String(),
			humanize.Comma(int64(p.Evaluations)),
			p.CPUTime.String(), p.GPUTime.String(),
			estimate(p.CPUEstimate), estimate(p.GPUEstimate))
	}
	fmt.Println(table.Render())
}

func estimate(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}

// numComputed returns the number of nodes of the runner computed in each pass.
func numComputed(r *runResult) int {
	count := 0
	for _, p := range r.placement {
		if !p.FromData && !p.Skipped {
			count++
		}
	}
	return count
}

// passStats returns the mean and standard deviation of the pass durations.
func passStats(passes []time.Duration) (mean, stddev time.Duration) {
	if len(passes) == 0 {
		return
	}
	seconds := xslices.Map(passes, func(d time.Duration) float64 { return d.Seconds() })
	m, s := stat.MeanStdDev(seconds, nil)
	if len(passes) == 1 {
		s = 0
	}
	mean = time.Duration(m * float64(time.Second)).Round(time.Microsecond)
	stddev = time.Duration(s * float64(time.Second)).Round(time.Microsecond)
	return
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
