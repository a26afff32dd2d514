// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placement decides, per node, whether it is computed on the CPU or on the accelerator.
//
// The decision is driven by timing feedback: the first pass runs every node on the CPU, the
// second one runs the accelerator-eligible nodes on the accelerator, and from then on the
// per-node estimates are fed to a Strategy that replays the graph on a two-device schedule
// (see SimulateFit) and picks the assignment with the smallest projected wall time.
//
// The state machine is the pure function Step, so it can be tested without any evaluator.
// Planner wraps it for the driver.
package placement

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// Phase of the placement state machine.
type Phase int

const (
	// PhaseCPUOnly is used when the accelerator is not allowed: every node runs on the CPU
	// and no simulation is ever done.
	PhaseCPUOnly Phase = iota

	// PhaseCPUWarmup runs every node on the CPU to collect CPU timings.
	PhaseCPUWarmup

	// PhaseGPUWarmup runs the eligible nodes fed by data on the accelerator (and the eligible
	// clients that follow them) to collect accelerator and transfer timings.
	PhaseGPUWarmup

	// PhaseAdaptive uses the placement chosen by the Strategy, re-running it when the
	// estimates drift.
	PhaseAdaptive
)

func (p Phase) String() string {
	switch p {
	case PhaseCPUOnly:
		return "cpu-only"
	case PhaseCPUWarmup:
		return "cpu-warmup"
	case PhaseGPUWarmup:
		return "gpu-warmup"
	case PhaseAdaptive:
		return "adaptive"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Estimate is a running mean and variance of timing samples.
type Estimate struct {
	Mean time.Duration

	// Variance of the samples, in nanoseconds squared.
	Variance float64

	// N is the number of samples seen.
	N int
}

// Known returns whether at least one sample was recorded.
func (e Estimate) Known() bool {
	return e.N > 0
}

// Update returns the estimate after one more sample, with Welford's update. The sample weight
// is 1/min(N, window), so once window samples are seen the estimate follows the most recent
// ones. A window <= 0 means no limit (plain mean and variance).
func (e Estimate) Update(sample time.Duration, window int) Estimate {
	n := e.N + 1
	weight := float64(effectiveCount(n, window))
	delta := float64(sample) - float64(e.Mean)
	mean := float64(e.Mean) + delta/weight
	variance := e.Variance + (delta*(float64(sample)-mean)-e.Variance)/weight
	return Estimate{Mean: time.Duration(mean), Variance: max(variance, 0), N: n}
}

// StdErr returns the standard error of the mean: it shrinks as samples accumulate, up to
// window samples.
func (e Estimate) StdErr(window int) time.Duration {
	if e.N == 0 {
		return 0
	}
	return time.Duration(math.Sqrt(e.Variance / float64(effectiveCount(e.N, window))))
}

func effectiveCount(n, window int) int {
	if window > 0 && n > window {
		return window
	}
	return n
}

// NodeState is the placement state of one node of the evaluation order.
type NodeState struct {
	Key compute.Key

	// Servers and Clients are indices into State.Nodes, as given by graphorder.Order.
	Servers, Clients []int

	// Scalar is set for scalar-like nodes.
	Scalar bool

	// FromData is set for nodes whose values come from bound data.
	FromData bool

	// Skipped is set for nodes that are not computed in the current binding, e.g. nodes only
	// needed by data-bound nodes.
	Skipped bool

	// Size is the number of batch elements the node processes.
	Size int

	// ForceCPU excludes the node from the accelerator.
	ForceCPU bool

	// Eligible is set by MarkGPUNodes for nodes that may be placed on the accelerator.
	Eligible bool

	// Device currently assigned.
	Device compute.Device

	// CPU and GPU compute time estimates. GPU excludes transfers.
	CPU, GPU Estimate

	// PlacedCPU and PlacedGPU are the estimates used by the last strategy run, and Excess how
	// far the current ones moved from them beyond Config.DriftSigmas standard errors.
	PlacedCPU, PlacedGPU Estimate
	Excess               time.Duration
}

// Resident returns whether the node's value is available on both devices at the start of a
// pass: bound data, scalars and skipped nodes.
func (n *NodeState) Resident() bool {
	return n.FromData || n.Scalar || n.Skipped
}

// Computed returns whether the node is computed by the driver in a pass on a device that
// matters for placement.
func (n *NodeState) Computed() bool {
	return !n.Resident()
}

// gpuCapable returns whether the node is eligible and has timings for both devices.
func (n *NodeState) gpuCapable() bool {
	return n.Eligible && n.CPU.Known() && n.GPU.Known()
}

// diff returns the CPU minus GPU estimates: positive when the accelerator is faster.
func (n *NodeState) diff() time.Duration {
	return n.CPU.Mean - n.GPU.Mean
}

// Config of the placement planner.
type Config struct {
	// GPUSizeThreshold is the minimum batch size for a node to be eligible for the accelerator.
	GPUSizeThreshold int

	// Window limits the number of samples averaged by the estimates. See Estimate.Update.
	Window int

	// ThresholdSteps is the number of intervals the ThresholdSearch strategy splits the
	// [0, max|cpu-gpu|] threshold range into.
	ThresholdSteps int

	// MinResimulation is the minimum drift of the estimates that triggers a new simulation.
	MinResimulation time.Duration

	// DriftSigmas is the number of standard errors an estimate must move, since the last
	// strategy run, to count as drift. Smaller moves are taken as timing noise.
	DriftSigmas float64

	// MaxBackoff caps the doubling of the drift trigger after strategy runs that didn't
	// change the placement: the trigger is multiplied by 2^min(State.Unchanged, MaxBackoff).
	MaxBackoff int

	// Strategy used to place nodes once the warmup passes are done.
	Strategy Strategy
}

// DefaultConfig returns the default configuration, using the ThresholdSearch strategy.
func DefaultConfig() Config {
	return Config{
		GPUSizeThreshold: 1,
		Window:           16,
		ThresholdSteps:   10,
		MinResimulation:  100 * time.Microsecond,
		DriftSigmas:      2,
		MaxBackoff:       6,
		Strategy:         ThresholdSearch{},
	}
}

// State of the placement state machine.
type State struct {
	Config Config
	Phase  Phase
	Nodes  []NodeState

	// Invocations counts the evaluation passes ended.
	Invocations int

	// H2D and D2H are the per-transfer estimates of host to device and device to host copies.
	H2D, D2H Estimate

	// Threshold selected by the last strategy run.
	Threshold time.Duration

	// Projected is the wall time projected by the last strategy run, Baseline the all-CPU one.
	Projected, Baseline time.Duration

	// Drift is the sum of the NodeState.Excess: how much the estimates moved, beyond noise,
	// since the last strategy run.
	Drift time.Duration

	// Resimulations counts the strategy runs, and Unchanged the latest consecutive ones that
	// kept the same placement.
	Resimulations, Unchanged int
}

// DriftTrigger returns the drift above which the strategy is run again.
func (s State) DriftTrigger() time.Duration {
	trigger := max(s.Threshold, s.Config.MinResimulation)
	return trigger << min(s.Unchanged, max(s.Config.MaxBackoff, 0))
}

// Clone returns a copy of the state that can be modified without affecting s.
// Servers and Clients lists are shared: they are never modified.
func (s State) Clone() State {
	s.Nodes = append([]NodeState(nil), s.Nodes...)
	return s
}

// Devices returns the currently assigned device of each node. Undecided nodes are reported
// as on the CPU.
func (s State) Devices() []compute.Device {
	devices := make([]compute.Device, len(s.Nodes))
	for ii := range s.Nodes {
		devices[ii] = s.device(ii)
	}
	return devices
}

func (s State) device(i int) compute.Device {
	if s.Phase == PhaseCPUOnly || s.Nodes[i].Device == compute.DeviceUndecided {
		return compute.DeviceCPU
	}
	return s.Nodes[i].Device
}

// NumOnGPU returns the number of nodes assigned to the accelerator.
func (s State) NumOnGPU() int {
	count := 0
	for ii := range s.Nodes {
		if s.device(ii) == compute.DeviceGPU {
			count++
		}
	}
	return count
}
