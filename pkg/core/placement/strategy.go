// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"time"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// Placement is the outcome of a Strategy.
type Placement struct {
	// Devices for each node of the state.
	Devices []compute.Device

	// Projected wall time of a pass with Devices.
	Projected time.Duration

	// Threshold used, if the strategy uses one.
	Threshold time.Duration
}

// Strategy decides the device of every node from the current estimates.
//
// Implementations must not modify the state.
type Strategy interface {
	Name() string
	Place(s *State) Placement
}

// allCPU returns the placement running every node on the CPU.
func allCPU(s *State) Placement {
	devices := make([]compute.Device, len(s.Nodes))
	for ii := range devices {
		devices[ii] = compute.DeviceCPU
	}
	return Placement{Devices: devices, Projected: Baseline(s.Nodes)}
}

// ThresholdSearch runs SimulateFit with Config.ThresholdSteps+1 evenly spaced thresholds in
// [0, max|cpu-gpu|] and keeps the one with the smallest projected time.
//
// The accelerator is only used if the best projection beats running everything on the CPU.
type ThresholdSearch struct{}

// Name implements Strategy.
func (ThresholdSearch) Name() string { return "threshold_search" }

// Place implements Strategy.
func (ThresholdSearch) Place(s *State) Placement {
	best := allCPU(s)
	var maxDiff time.Duration
	capable := false
	for ii := range s.Nodes {
		n := &s.Nodes[ii]
		if !n.gpuCapable() {
			continue
		}
		capable = true
		diff := n.diff()
		if diff < 0 {
			diff = -diff
		}
		maxDiff = max(maxDiff, diff)
	}
	if !capable {
		return best
	}

	steps := max(s.Config.ThresholdSteps, 1)
	h2d, d2h := s.H2D.Mean, s.D2H.Mean
	for step := 0; step <= steps; step++ {
		threshold := time.Duration(int64(maxDiff) * int64(step) / int64(steps))
		projected, devices := SimulateFit(s.Nodes, h2d, d2h, threshold)
		if projected < best.Projected {
			best = Placement{Devices: devices, Projected: projected, Threshold: threshold}
		}
	}
	return best
}

// Greedy places each node independently on the accelerator if its accelerator time plus
// one host to device copy is smaller than its CPU time.
type Greedy struct{}

// Name implements Strategy.
func (Greedy) Name() string { return "greedy" }

// Place implements Strategy.
func (Greedy) Place(s *State) Placement {
	placement := allCPU(s)
	for ii := range s.Nodes {
		n := &s.Nodes[ii]
		if n.gpuCapable() && n.GPU.Mean+s.H2D.Mean < n.CPU.Mean {
			placement.Devices[ii] = compute.DeviceGPU
		}
	}
	placement.Projected = Makespan(s.Nodes, placement.Devices, s.H2D.Mean, s.D2H.Mean)
	return placement
}

// StrategyByName returns the strategy with the given name, or nil.
func StrategyByName(name string) Strategy {
	switch name {
	case ThresholdSearch{}.Name():
		return ThresholdSearch{}
	case Greedy{}.Name():
		return Greedy{}
	}
	return nil
}
