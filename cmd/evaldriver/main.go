// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// evaldriver loads a graph description and a CSV dataset, evaluates the top node of the
// graph over the data a number of times and reports the value, the placement of the nodes
// and the timings.
//
// Example:
//
//	evaldriver -model=model.yaml -data=events.csv -range=signal:x:0:10 -batch=gpu -n=100
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/backends"
	_ "github.com/gomlx/evaldriver/backends/default"
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/data/dataset"
	"github.com/gomlx/evaldriver/pkg/driver"
	"github.com/gomlx/evaldriver/pkg/nodes"
	"github.com/gomlx/evaldriver/pkg/support/xslices"
)

var (
	flagModel = flag.String("model", "", "Graph description to evaluate: a .yaml, .toml or .json file.")
	flagData  = flag.String("data", "", "CSV file with the data, with a header naming the observables. "+
		"Not needed if the graph has no observables.")
	flagRanges = xslices.Flag("range", nil,
		"Comma-separated list of ranges, each in the format \"<name>:<column>:<lo>:<hi>\". "+
			"Ranges with the same name are combined (all cuts must hold), and the union of all ranges is evaluated.",
		parseRange)
	flagSplit = flag.String("split", "", "Name of a category column to split the data by. "+
		"Observables are then bound by \"<category>_<column>\".")
	flagBatch   = flag.String("batch", "cpu", "Batch mode: \"off\", \"cpu\" or \"gpu\".")
	flagBackend = flag.String("backend", "", fmt.Sprintf(
		"Accelerator backend configuration, in the format \"<name>:<config>\". "+
			"If empty it uses $%s or the default backend. Only used with -batch=gpu.", backends.EnvBackend))
	flagNumEvals = flag.Int("n", 10, "Number of evaluations of the top node.")
	flagParallel = flag.Int("parallel", 1, "Number of independent drivers, each with its own copy of the graph, "+
		"evaluating concurrently.")
	flagScan = xslices.Flag("scan", nil,
		"Comma-separated list of parameters to scan, each in the format \"<name>:<from>:<to>\". "+
			"The value is moved linearly from <from> to <to> over the -n evaluations.",
		parseScan)
	flagValues = flag.Bool("values", false, "Prints the values of the top node of the last evaluation, "+
		"if it is not a reducer.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, serves Prometheus metrics on this address "+
		"(e.g. \":9090\") under /metrics.")
	flagMetricsLinger = flag.Duration("metrics_linger", 0, "Time to keep serving metrics after the evaluations finish.")
	flagPlot          = flag.String("plot", "", "If set, saves a plot of the duration of the evaluation passes "+
		"to this file. The format is given by the extension: .png, .svg or .pdf.")
	flagColor    = flag.String("color", "auto", "Color output: \"auto\", \"always\" or \"never\".")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during the evaluations.")
)

// dataRange defined in the command line.
type dataRange struct {
	name, column string
	lo, hi       float64
}

func parseRange(value string) (r dataRange, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 4 {
		return r, errors.Errorf("invalid range %q, expected \"<name>:<column>:<lo>:<hi>\"", value)
	}
	r.name, r.column = parts[0], parts[1]
	if r.lo, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return r, errors.Wrapf(err, "invalid lower bound in range %q", value)
	}
	if r.hi, err = strconv.ParseFloat(parts[3], 64); err != nil {
		return r, errors.Wrapf(err, "invalid upper bound in range %q", value)
	}
	return r, nil
}

// scan of a parameter over the evaluations.
type scan struct {
	name     string
	from, to float64
}

func parseScan(value string) (s scan, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return s, errors.Errorf("invalid scan %q, expected \"<name>:<from>:<to>\"", value)
	}
	s.name = parts[0]
	if s.from, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return s, errors.Wrapf(err, "invalid start value in scan %q", value)
	}
	if s.to, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return s, errors.Wrapf(err, "invalid end value in scan %q", value)
	}
	return s, nil
}

// at returns the value of the scan at the evaluation step out of numSteps.
func (s scan) at(step, numSteps int) float64 {
	if numSteps <= 1 {
		return s.from
	}
	return s.from + (s.to-s.from)*float64(step)/float64(numSteps-1)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagModel == "" {
		klog.Errorf("Missing -model with the graph description. See 'evaldriver -help'.")
		os.Exit(1)
	}
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'evaldriver -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagNumEvals < 1 || *flagParallel < 1 {
		klog.Errorf("-n and -parallel must be at least 1.")
		os.Exit(1)
	}
	must.M(setColorProfile(*flagColor))
	batchMode := must.M1(compute.ParseBatchMode(*flagBatch))

	var stopMetrics func()
	if *flagMetricsAddr != "" {
		stopMetrics = serveMetrics(*flagMetricsAddr)
	}

	ds, rangeName := loadData()
	results := make([]*runResult, *flagParallel)
	bar := newProgress(*flagProgress, *flagNumEvals**flagParallel)
	var group errgroup.Group
	for runnerIdx := range results {
		group.Go(func() error {
			var err error
			results[runnerIdx], err = run(runnerIdx, batchMode, ds, rangeName, bar)
			return err
		})
	}
	err := group.Wait()
	bar.Finish()
	if err != nil {
		klog.Errorf("Evaluation failed: %+v", err)
		os.Exit(1)
	}

	report(results)
	if *flagPlot != "" {
		must.M(plotPasses(*flagPlot, results))
		fmt.Printf("Plot of the evaluation passes saved to %q\n", *flagPlot)
	}
	if stopMetrics != nil {
		if *flagMetricsLinger > 0 {
			fmt.Printf("Serving metrics on %s for %s\n", *flagMetricsAddr, *flagMetricsLinger)
			time.Sleep(*flagMetricsLinger)
		}
		stopMetrics()
	}
}

// loadData loads the -data file and defines its -range ranges. It returns nil if no data was
// given.
func loadData() (ds *dataset.Dataset, rangeName string) {
	if *flagData == "" {
		if len(*flagRanges) > 0 || *flagSplit != "" {
			klog.Errorf("-range and -split require -data.")
			os.Exit(1)
		}
		return nil, ""
	}
	ds = must.M1(dataset.LoadCSV(*flagData))
	for _, r := range *flagRanges {
		must.M(ds.DefineRange(r.name, r.column, r.lo, r.hi))
	}
	klog.V(1).Infof("loaded %d rows with columns %q from %q", ds.NumRows(), ds.Columns(), *flagData)
	return ds, strings.Join(ds.Ranges(), ",")
}

// runResult holds the outcome of the evaluations of one driver.
type runResult struct {
	runner    int
	driverID  string
	top       string
	value     float64
	values    []float64
	passes    []time.Duration
	stats     driver.Stats
	placement []driver.NodePlacement
}

// run creates a driver over its own copy of the graph and evaluates it -n times.
func run(runnerIdx int, batchMode compute.BatchMode, ds *dataset.Dataset, rangeName string, bar *progress) (*runResult, error) {
	graph, err := nodes.LoadFile(*flagModel)
	if err != nil {
		return nil, err
	}
	scanned := make([]*nodes.Parameter, len(*flagScan))
	for ii, s := range *flagScan {
		p, ok := graph.Nodes[s.name].(*nodes.Parameter)
		if !ok {
			return nil, errors.Errorf("-scan %q: no parameter with this name in %q", s.name, *flagModel)
		}
		scanned[ii] = p
	}

	var options []driver.Option
	if batchMode == compute.BatchModeGPU && *flagBackend != "" {
		backend, err := backends.NewWithConfig(*flagBackend)
		if err != nil {
			return nil, err
		}
		defer backend.Finalize()
		options = append(options, driver.WithBackend(backend))
	}
	d, err := driver.New(graph.Top, graph.Norm, batchMode, options...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			klog.Warningf("runner #%d: failed to close driver %s: %+v", runnerIdx, d.ID(), err)
		}
	}()
	if ds != nil {
		if err := d.SetData(ds, rangeName, *flagSplit); err != nil {
			return nil, err
		}
	}

	result := &runResult{
		runner:   runnerIdx,
		driverID: d.ID(),
		top:      string(graph.Top.Key()),
		passes:   make([]time.Duration, 0, *flagNumEvals),
	}
	topIsReducer := compute.IsReducer(graph.Top)
	for step := range *flagNumEvals {
		for ii, s := range *flagScan {
			scanned[ii].SetValue(s.at(step, *flagNumEvals))
		}
		if topIsReducer || graph.Top.IsScalarLike() {
			result.value, err = d.GetVal()
		} else {
			var values []float64
			values, err = d.GetValues()
			if err == nil {
				result.value = xslices.Sum(values)
				result.values = values
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "runner #%d, evaluation #%d", runnerIdx, step)
		}
		result.passes = append(result.passes, d.Stats().LastPass)
		bar.Add(1)
	}
	result.stats = d.Stats()
	result.placement = d.Placement()
	return result, nil
}
