// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/graphorder"
	"github.com/gomlx/evaldriver/pkg/core/placement"
	"github.com/gomlx/evaldriver/pkg/nodes"
)

// chain returns the order of x -> exp -> square, with x bound to n values.
func chain(t *testing.T, n int) (*graphorder.Order, []placement.Binding) {
	x := nodes.NewVariable("x")
	e := must.M1(nodes.NewUnary("exp", "exp", x))
	sq := must.M1(nodes.NewUnary("square", "square", e))
	order, err := graphorder.Build(sq, compute.NormSet{})
	require.NoError(t, err)
	return order, []placement.Binding{{Size: n, FromData: true}, {Size: n}, {Size: n}}
}

func TestPlanner(t *testing.T) {
	order, bindings := chain(t, 1000)
	p := placement.New(order, bindings, placement.DefaultConfig(), true)
	assert.Equal(t, placement.PhaseCPUWarmup, p.State().Phase)
	for ii := range order.Len() {
		assert.Equal(t, compute.DeviceCPU, p.Device(ii))
	}

	// CPU warmup pass.
	p.Record(placement.Sample{Node: 1, Device: compute.DeviceCPU, Compute: 100 * time.Microsecond})
	p.Record(placement.Sample{Node: 2, Device: compute.DeviceCPU, Compute: 100 * time.Microsecond})
	decision := p.EndPass()
	assert.True(t, decision.Reassigned)
	assert.Equal(t, placement.PhaseGPUWarmup, p.State().Phase)
	assert.Equal(t, compute.DeviceGPU, p.Device(1), "fed by data only")
	assert.Equal(t, compute.DeviceGPU, p.Device(2), "follows its input to the accelerator")

	// Accelerator warmup pass, much faster.
	p.Record(placement.Sample{Node: 1, Device: compute.DeviceGPU, Compute: 10 * time.Microsecond,
		H2D: 5 * time.Microsecond, H2DCount: 1})
	p.Record(placement.Sample{Node: 2, Device: compute.DeviceGPU, Compute: 10 * time.Microsecond,
		D2H: 5 * time.Microsecond, D2HCount: 1})
	decision = p.EndPass()
	assert.True(t, decision.Resimulated)
	state := p.State()
	assert.Equal(t, placement.PhaseAdaptive, state.Phase)
	assert.Equal(t, 2, state.Invocations)
	assert.Equal(t, 2, state.NumOnGPU())
	assert.Less(t, state.Projected, state.Baseline)

	// Rebinding with the same bindings keeps the state.
	p.Rebind(bindings)
	assert.Equal(t, placement.PhaseAdaptive, p.State().Phase)

	// New sizes reset the estimates, but not the invocation count.
	_, bindings = chain(t, 10)
	p.Rebind(bindings)
	state = p.State()
	assert.Equal(t, placement.PhaseCPUWarmup, state.Phase)
	assert.Equal(t, 2, state.Invocations)
	assert.Equal(t, 1, state.Resimulations)
	assert.False(t, state.Nodes[1].CPU.Known())
	assert.Equal(t, 0, state.NumOnGPU())
}

func TestPlannerCPUOnly(t *testing.T) {
	order, bindings := chain(t, 1000)
	p := placement.New(order, bindings, placement.DefaultConfig(), false)
	for range 3 {
		p.Record(placement.Sample{Node: 1, Device: compute.DeviceCPU, Compute: time.Millisecond})
		assert.False(t, p.EndPass().Reassigned)
	}
	assert.Equal(t, placement.PhaseCPUOnly, p.State().Phase)
	assert.Equal(t, 0, p.State().NumOnGPU())
	assert.Panics(t, func() { p.Rebind(bindings[:1]) })
}

// TestPlannerRecordAllocations checks that feeding samples to a planner updates its state in
// place: no allocations per sample, whatever the number of nodes.
func TestPlannerRecordAllocations(t *testing.T) {
	for _, length := range []int{3, 300} {
		x := nodes.NewVariable("x")
		var node compute.Node = x
		for ii := range length - 1 {
			node = must.M1(nodes.NewUnary(fmt.Sprintf("neg_%d", ii), "neg", node))
		}
		order, err := graphorder.Build(node, compute.NormSet{})
		require.NoError(t, err)
		bindings := make([]placement.Binding, order.Len())
		for ii := range bindings {
			bindings[ii] = placement.Binding{Size: 1000}
		}
		bindings[0].FromData = true
		p := placement.New(order, bindings, placement.DefaultConfig(), true)
		for range 3 {
			for ii := 1; ii < order.Len(); ii++ {
				p.Record(placement.Sample{Node: ii, Device: p.Device(ii), Compute: 10 * time.Microsecond})
			}
			p.EndPass()
		}
		require.Equal(t, placement.PhaseAdaptive, p.State().Phase)

		last := order.Len() - 1
		allocs := testing.AllocsPerRun(100, func() {
			p.Record(placement.Sample{Node: last, Device: p.Device(last), Compute: 10 * time.Microsecond,
				H2D: time.Microsecond, H2DCount: 1})
		})
		assert.Zero(t, allocs, "allocations per sample with %d nodes", order.Len())
	}
}
