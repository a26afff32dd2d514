// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/graphorder"
)

// Binding describes how one node of the evaluation order is bound to the current data.
type Binding struct {
	// Size is the number of batch elements the node processes.
	Size int

	// FromData is set for nodes bound to data.
	FromData bool

	// Skipped is set for nodes not computed with the current data.
	Skipped bool

	// ForceCPU excludes the node from the accelerator.
	ForceCPU bool
}

// Planner holds the placement State of a driver and feeds it events.
//
// It is not safe for concurrent use: a driver evaluates one pass at a time.
type Planner struct {
	state      State
	gpuAllowed bool
}

// New creates a Planner for the nodes of order, with one Binding per node.
func New(order *graphorder.Order, bindings []Binding, config Config, gpuAllowed bool) *Planner {
	if len(bindings) != order.Len() {
		exceptions.Panicf("placement.New: %d bindings given for %d nodes", len(bindings), order.Len())
	}
	nodes := make([]NodeState, order.Len())
	for ii, node := range order.Nodes() {
		nodes[ii] = NodeState{
			Key:     node.Key(),
			Servers: order.Servers(ii),
			Clients: order.Clients(ii),
			Scalar:  node.IsScalarLike(),
		}
		applyBinding(&nodes[ii], bindings[ii])
	}
	return &Planner{
		state:      NewState(nodes, config, gpuAllowed),
		gpuAllowed: gpuAllowed,
	}
}

func applyBinding(n *NodeState, b Binding) {
	n.Size = b.Size
	n.FromData = b.FromData
	n.Skipped = b.Skipped
	n.ForceCPU = b.ForceCPU
}

// Device returns where node i should be computed in the next pass.
func (p *Planner) Device(i int) compute.Device {
	return p.state.device(i)
}

// Record feeds the timing of one node evaluation.
func (p *Planner) Record(sample Sample) {
	step(&p.state, SampleEvent(sample))
}

// EndPass marks the end of an evaluation pass, and returns the resulting decision.
func (p *Planner) EndPass() Decision {
	previousPhase := p.state.Phase
	decision := step(&p.state, PassEndEvent())
	if klog.V(1).Enabled() && (decision.Reassigned || previousPhase != p.state.Phase) {
		klog.Infof("placement: pass #%d, phase %s -> %s, %d of %d nodes on the accelerator, projected=%s, baseline=%s, threshold=%s",
			p.state.Invocations, previousPhase, p.state.Phase, p.state.NumOnGPU(), len(p.state.Nodes),
			p.state.Projected, p.state.Baseline, p.state.Threshold)
	}
	return decision
}

// Rebind updates the bindings after new data is bound.
//
// If any binding changed, the estimates no longer apply: they are reset, and placement starts
// over from the CPU warmup. The invocation count is kept.
func (p *Planner) Rebind(bindings []Binding) {
	if len(bindings) != len(p.state.Nodes) {
		exceptions.Panicf("placement.Rebind: %d bindings given for %d nodes", len(bindings), len(p.state.Nodes))
	}
	changed := false
	for ii, b := range bindings {
		n := &p.state.Nodes[ii]
		if n.Size != b.Size || n.FromData != b.FromData || n.Skipped != b.Skipped || n.ForceCPU != b.ForceCPU {
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	nodes := make([]NodeState, len(p.state.Nodes))
	for ii, old := range p.state.Nodes {
		nodes[ii] = NodeState{
			Key:     old.Key,
			Servers: old.Servers,
			Clients: old.Clients,
			Scalar:  old.Scalar,
		}
		applyBinding(&nodes[ii], bindings[ii])
	}
	invocations, resimulations := p.state.Invocations, p.state.Resimulations
	p.state = NewState(nodes, p.state.Config, p.gpuAllowed)
	p.state.Invocations = invocations
	p.state.Resimulations = resimulations
	klog.V(1).Infof("placement: bindings changed, restarting from phase %s", p.state.Phase)
}

// State returns a copy of the current state.
func (p *Planner) State() State {
	return p.state.Clone()
}
