// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

func init() {
	klog.InitFlags(nil)
}

const us = time.Microsecond

var (
	cpu = compute.DeviceCPU
	gpu = compute.DeviceGPU
)

// forkJoin returns the nodes of x (data) -> {a, b} -> top, with top forced to the CPU.
func forkJoin() []NodeState {
	return []NodeState{
		{Key: "x", FromData: true, Size: 1000, Clients: []int{1, 2}},
		{Key: "a", Size: 1000, Servers: []int{0}, Clients: []int{3}},
		{Key: "b", Size: 1000, Servers: []int{0}, Clients: []int{3}},
		{Key: "top", Size: 1000, Servers: []int{1, 2}, ForceCPU: true},
	}
}

// withEstimates sets the CPU/GPU estimates of the fork-join graph and marks eligibility.
func withEstimates(nodes []NodeState) []NodeState {
	nodes[1].CPU, nodes[1].GPU = Estimate{Mean: 100 * us, N: 1}, Estimate{Mean: 90 * us, N: 1}
	nodes[2].CPU, nodes[2].GPU = Estimate{Mean: 100 * us, N: 1}, Estimate{Mean: 90 * us, N: 1}
	nodes[3].CPU = Estimate{Mean: 1 * us, N: 1}
	s := State{Config: DefaultConfig(), Nodes: nodes}
	MarkGPUNodes(&s)
	return s.Nodes
}

func TestEstimate(t *testing.T) {
	var e Estimate
	require.False(t, e.Known())
	e = e.Update(10*us, 2)
	require.True(t, e.Known())
	assert.Equal(t, 10*us, e.Mean)
	e = e.Update(20*us, 2)
	assert.Equal(t, 15*us, e.Mean)
	e = e.Update(40*us, 2)
	assert.Equal(t, 27500*time.Nanosecond, e.Mean, "after the window is full, new samples weigh 1/window")
	assert.Equal(t, 3, e.N)

	// No window: plain mean and variance.
	e = Estimate{}
	for _, sample := range []time.Duration{10 * us, 20 * us, 30 * us, 40 * us} {
		e = e.Update(sample, 0)
	}
	assert.Equal(t, 25*us, e.Mean)
	assert.Equal(t, 4, e.N)
	assert.InDelta(t, 125e6, e.Variance, 1, "population variance of 10, 20, 30, 40us, in ns^2")
	assert.InDelta(t, float64(5590*time.Nanosecond), float64(e.StdErr(0)), 1)

	// Variance with a window: constant samples converge to zero variance.
	e = Estimate{}
	e = e.Update(10*us, 2)
	assert.Zero(t, e.Variance)
	assert.Zero(t, e.StdErr(2))
	e = e.Update(20*us, 2)
	assert.InDelta(t, 25e6, e.Variance, 1)
	for range 50 {
		e = e.Update(15*us, 2)
	}
	assert.Equal(t, 15*us, e.Mean)
	assert.Less(t, e.Variance, 1.0)
}

func TestMarkGPUNodes(t *testing.T) {
	nodes := []NodeState{
		{Key: "x", FromData: true, Size: 100},
		{Key: "mu", Scalar: true, Size: 1},
		{Key: "small", Size: 5, Servers: []int{0}},
		{Key: "big", Size: 100, Servers: []int{0, 1}},
		{Key: "forced", Size: 100, Servers: []int{3}, ForceCPU: true},
		{Key: "skipped", Size: 100, Skipped: true},
	}
	s := State{Config: DefaultConfig(), Nodes: nodes}
	s.Config.GPUSizeThreshold = 10
	MarkGPUNodes(&s)
	var eligible []compute.Key
	for _, n := range s.Nodes {
		if n.Eligible {
			eligible = append(eligible, n.Key)
		}
	}
	assert.Equal(t, []compute.Key{"big"}, eligible)
	for _, n := range s.Nodes {
		assert.Equal(t, compute.DeviceUndecided, n.Device, "marking must not assign devices")
	}
}

func TestAssignToGPUPropagates(t *testing.T) {
	// x (data), mu (scalar), a = f(x), b = g(a, mu), c = h(b, d), d = k(x) stays on CPU.
	nodes := []NodeState{
		{Key: "x", FromData: true, Size: 10, Clients: []int{2, 5}},
		{Key: "mu", Scalar: true, Size: 1, Clients: []int{3}},
		{Key: "a", Size: 10, Servers: []int{0}, Clients: []int{3}},
		{Key: "b", Size: 10, Servers: []int{2, 1}, Clients: []int{4}},
		{Key: "c", Size: 10, Servers: []int{3, 5}},
		{Key: "d", Size: 10, Servers: []int{0}, Clients: []int{4}, ForceCPU: true},
	}
	s := NewState(nodes, DefaultConfig(), true)
	AssignToGPU(&s, 2)
	assert.Equal(t, gpu, s.Nodes[2].Device)
	assert.Equal(t, gpu, s.Nodes[3].Device, "b only depends on a (GPU) and a scalar")
	assert.Equal(t, cpu, s.Nodes[4].Device, "c also depends on d, on the CPU")
	assert.Equal(t, cpu, s.Nodes[5].Device)

	// Not eligible: no-op.
	AssignToGPU(&s, 5)
	assert.Equal(t, cpu, s.Nodes[5].Device)
}

func TestSimulateFitChain(t *testing.T) {
	nodes := []NodeState{
		{Key: "x", FromData: true, Size: 100, Clients: []int{1}},
		{Key: "a", Size: 100, Servers: []int{0}, Clients: []int{2}},
		{Key: "top", Size: 100, Servers: []int{1}},
	}
	s := State{Config: DefaultConfig(), Nodes: nodes}
	MarkGPUNodes(&s)
	for ii := 1; ii < 3; ii++ {
		s.Nodes[ii].CPU = Estimate{Mean: 100 * us, N: 1}
		s.Nodes[ii].GPU = Estimate{Mean: 10 * us, N: 1}
	}
	makespan, devices := SimulateFit(s.Nodes, 5*us, 5*us, 0)
	assert.Equal(t, []compute.Device{cpu, gpu, gpu}, devices)
	assert.Equal(t, 25*us, makespan, "two accelerator nodes plus the copy of the result back to the host")

	// Slower accelerator.
	for ii := 1; ii < 3; ii++ {
		s.Nodes[ii].CPU, s.Nodes[ii].GPU = s.Nodes[ii].GPU, s.Nodes[ii].CPU
	}
	makespan, devices = SimulateFit(s.Nodes, 5*us, 5*us, 0)
	assert.Equal(t, []compute.Device{cpu, cpu, cpu}, devices)
	assert.Equal(t, 20*us, makespan)
}

func TestSimulateFitThresholdUsesIdleDevice(t *testing.T) {
	nodes := withEstimates(forkJoin())

	// Threshold 0: both branches on the faster accelerator, one after the other.
	makespan, devices := SimulateFit(nodes, 1*us, 1*us, 0)
	assert.Equal(t, []compute.Device{cpu, gpu, gpu, cpu}, devices)
	assert.Equal(t, 182*us, makespan)

	// Threshold 10us: the CPU, idle otherwise, takes one branch.
	makespan, devices = SimulateFit(nodes, 1*us, 1*us, 10*us)
	assert.Equal(t, []compute.Device{cpu, cpu, gpu, cpu}, devices)
	assert.Equal(t, 101*us, makespan)

	assert.Equal(t, 201*us, Baseline(nodes))
	assert.Equal(t, 201*us, Makespan(nodes, []compute.Device{cpu, cpu, cpu, cpu}, 1*us, 1*us))
}

func TestStrategies(t *testing.T) {
	s := State{Config: DefaultConfig(), Nodes: withEstimates(forkJoin()), H2D: Estimate{Mean: 1 * us, N: 1}, D2H: Estimate{Mean: 1 * us, N: 1}}

	p := ThresholdSearch{}.Place(&s)
	assert.Equal(t, []compute.Device{cpu, cpu, gpu, cpu}, p.Devices)
	assert.Equal(t, 101*us, p.Projected)
	assert.Equal(t, 10*us, p.Threshold)

	p = Greedy{}.Place(&s)
	assert.Equal(t, []compute.Device{cpu, gpu, gpu, cpu}, p.Devices)
	assert.Equal(t, 182*us, p.Projected)

	// Accelerator not faster than the CPU baseline: everything stays on the CPU.
	for ii := 1; ii < 3; ii++ {
		s.Nodes[ii].GPU.Mean = 250 * us
	}
	p = ThresholdSearch{}.Place(&s)
	assert.Equal(t, []compute.Device{cpu, cpu, cpu, cpu}, p.Devices)
	assert.Equal(t, 201*us, p.Projected)

	assert.Equal(t, ThresholdSearch{}, StrategyByName("threshold_search"))
	assert.Equal(t, Greedy{}, StrategyByName("greedy"))
	assert.Nil(t, StrategyByName("unknown"))
}

func TestStepPhases(t *testing.T) {
	s := NewState(forkJoin(), DefaultConfig(), true)
	require.Equal(t, PhaseCPUWarmup, s.Phase)
	require.Equal(t, []compute.Device{cpu, cpu, cpu, cpu}, s.Devices())

	// Pass 1: CPU timings.
	var decision Decision
	s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 100 * us}))
	s, _ = Step(s, SampleEvent(Sample{Node: 2, Device: cpu, Compute: 100 * us}))
	s, _ = Step(s, SampleEvent(Sample{Node: 3, Device: cpu, Compute: 1 * us}))
	s, decision = Step(s, PassEndEvent())
	assert.True(t, decision.Reassigned)
	assert.False(t, decision.Resimulated)
	assert.Equal(t, PhaseGPUWarmup, s.Phase)
	assert.Equal(t, 1, s.Invocations)
	assert.Equal(t, []compute.Device{cpu, gpu, gpu, cpu}, s.Devices())

	// Pass 2: accelerator timings, with transfers.
	s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: gpu, Compute: 90 * us, H2D: 1 * us, H2DCount: 1}))
	s, _ = Step(s, SampleEvent(Sample{Node: 2, Device: gpu, Compute: 90 * us}))
	s, _ = Step(s, SampleEvent(Sample{Node: 3, Device: cpu, Compute: 1 * us, D2H: 2 * us, D2HCount: 2}))
	assert.Equal(t, 1*us, s.H2D.Mean)
	assert.Equal(t, 1*us, s.D2H.Mean)
	s, decision = Step(s, PassEndEvent())
	assert.True(t, decision.Resimulated)
	assert.Equal(t, PhaseAdaptive, s.Phase)
	assert.Equal(t, []compute.Device{cpu, cpu, gpu, cpu}, s.Devices())
	assert.Equal(t, 101*us, s.Projected)
	assert.Equal(t, 201*us, s.Baseline)
	assert.Equal(t, 1, s.Resimulations)

	// Pass 3: stable timings, no drift, no re-simulation.
	s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 100 * us}))
	s, _ = Step(s, SampleEvent(Sample{Node: 2, Device: gpu, Compute: 90 * us}))
	s, decision = Step(s, PassEndEvent())
	assert.False(t, decision.Resimulated)
	assert.Equal(t, time.Duration(0), s.Drift)

	// Pass 4: a single slow timing is taken as noise.
	s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 500 * us}))
	assert.Equal(t, time.Duration(0), s.Drift)
	s, decision = Step(s, PassEndEvent())
	assert.False(t, decision.Resimulated)

	// Passes 5+: the slow timings persist, and the change in the estimates triggers a new
	// simulation.
	for s.Invocations < 10 && !decision.Resimulated {
		s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 500 * us}))
		s, decision = Step(s, PassEndEvent())
	}
	assert.True(t, decision.Resimulated)
	assert.Equal(t, 7, s.Invocations)
	assert.Equal(t, 2, s.Resimulations)
	assert.Equal(t, time.Duration(0), s.Drift)
	for _, n := range s.Nodes {
		assert.Equal(t, n.CPU, n.PlacedCPU)
		assert.Zero(t, n.Excess)
	}
}

// TestStepNoisyTimingsSettle checks that timings that only jitter around stable means stop
// triggering simulations, while a real change still does.
func TestStepNoisyTimingsSettle(t *testing.T) {
	s := NewState(forkJoin(), DefaultConfig(), true)
	jitter := func(pass int) time.Duration {
		if pass%2 == 0 {
			return 300 * us
		}
		return -300 * us
	}
	cpuMean, gpuMean := 2000*us, 500*us
	runPass := func(pass int) Decision {
		for _, node := range []int{1, 2} {
			device := s.Devices()[node]
			elapsed := cpuMean
			if device == gpu {
				elapsed = gpuMean
			}
			s, _ = Step(s, SampleEvent(Sample{Node: node, Device: device, Compute: elapsed + jitter(pass)}))
		}
		s, _ = Step(s, SampleEvent(Sample{Node: 3, Device: cpu, Compute: 1 * us}))
		var decision Decision
		s, decision = Step(s, PassEndEvent())
		return decision
	}

	const numPasses, bucketSize = 400, 100
	resimulations := make([]int, numPasses/bucketSize)
	for ii := range numPasses {
		if runPass(ii).Resimulated {
			resimulations[ii/bucketSize]++
		}
	}
	fmt.Printf("\tSimulations per %d passes: %v\n", bucketSize, resimulations)
	require.Equal(t, PhaseAdaptive, s.Phase)
	assert.Equal(t, []compute.Device{cpu, gpu, gpu, cpu}, s.Devices())
	last := resimulations[len(resimulations)-1]
	assert.LessOrEqual(t, last, resimulations[0])
	assert.LessOrEqual(t, last, 1)
	assert.LessOrEqual(t, s.Resimulations, 4)
	assert.Greater(t, s.Unchanged, 0)
	assert.Greater(t, s.DriftTrigger(), s.Config.MinResimulation)

	// A real slowdown of the accelerator is still detected.
	before := s.Resimulations
	gpuMean = 3000 * us
	for ii := range 20 {
		runPass(numPasses + ii)
	}
	assert.Greater(t, s.Resimulations, before)
}

func TestStepIsPure(t *testing.T) {
	s := NewState(forkJoin(), DefaultConfig(), true)
	before := s.Clone()
	_, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 100 * us}))
	_, _ = Step(s, PassEndEvent())
	assert.Equal(t, before, s)

	require.Panics(t, func() { Step(s, SampleEvent(Sample{Node: 10, Device: cpu})) })
}

func TestStepCPUOnly(t *testing.T) {
	s := NewState(forkJoin(), DefaultConfig(), false)
	for range 5 {
		s, _ = Step(s, SampleEvent(Sample{Node: 1, Device: cpu, Compute: 100 * us}))
		var decision Decision
		s, decision = Step(s, PassEndEvent())
		assert.False(t, decision.Reassigned)
		assert.False(t, decision.Resimulated)
	}
	assert.Equal(t, PhaseCPUOnly, s.Phase)
	assert.Equal(t, 0, s.NumOnGPU())
	assert.Equal(t, 0, s.Resimulations)
	assert.Equal(t, 5, s.Invocations)
}
