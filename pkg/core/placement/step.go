// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"time"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// EventKind enumerates the events accepted by Step.
type EventKind int

const (
	// EventSample carries the timing of one node evaluation.
	EventSample EventKind = iota

	// EventPassEnd marks the end of an evaluation pass.
	EventPassEnd
)

// Sample is the timing of one node evaluation.
type Sample struct {
	// Node index in the evaluation order.
	Node int

	// Device where the node was computed.
	Device compute.Device

	// Compute time, excluding transfers.
	Compute time.Duration

	// H2D and D2H are the total times of the H2DCount host to device and D2HCount device to
	// host copies done to feed the node.
	H2D, D2H           time.Duration
	H2DCount, D2HCount int
}

// Event fed to Step.
type Event struct {
	Kind   EventKind
	Sample Sample
}

// SampleEvent returns an EventSample event.
func SampleEvent(sample Sample) Event {
	return Event{Kind: EventSample, Sample: sample}
}

// PassEndEvent returns an EventPassEnd event.
func PassEndEvent() Event {
	return Event{Kind: EventPassEnd}
}

// Decision reports what Step changed.
type Decision struct {
	// Reassigned is set when the devices of the nodes may have changed: the caller should
	// read them again before the next pass.
	Reassigned bool

	// Resimulated is set when the Strategy was run.
	Resimulated bool
}

// Step is the placement state machine: it returns the state after event and what changed.
// s is not modified.
//
// Samples update the estimates of the node and of the transfers. In PhaseAdaptive, they also
// update the drift: how far the estimates moved, beyond Config.DriftSigmas standard errors,
// from those used by the last Strategy run.
//
// Pass ends count invocations and move through the phases: PhaseCPUWarmup goes to
// PhaseGPUWarmup, placing the eligible nodes fed only by data (and, through AssignToGPU,
// the clients that follow them) on the accelerator. PhaseGPUWarmup goes to PhaseAdaptive by
// running the Strategy. In PhaseAdaptive the Strategy is run again only if the drift
// exceeds State.DriftTrigger.
func Step(s State, event Event) (State, Decision) {
	s = s.Clone()
	decision := step(&s, event)
	return s, decision
}

// step is Step updating s in place.
func step(s *State, event Event) Decision {
	var decision Decision
	switch event.Kind {
	case EventSample:
		recordSample(s, event.Sample)

	case EventPassEnd:
		s.Invocations++
		switch s.Phase {
		case PhaseCPUOnly:
			// Nothing to learn.
		case PhaseCPUWarmup:
			s.Phase = PhaseGPUWarmup
			startGPUWarmup(s)
			decision.Reassigned = true
		case PhaseGPUWarmup:
			s.Phase = PhaseAdaptive
			resimulate(s)
			decision.Reassigned = true
			decision.Resimulated = true
		case PhaseAdaptive:
			if s.Drift > s.DriftTrigger() {
				resimulate(s)
				decision.Reassigned = true
				decision.Resimulated = true
			}
		}

	default:
		exceptions.Panicf("placement.Step: unknown event kind %d", event.Kind)
	}
	return decision
}

func recordSample(s *State, sample Sample) {
	if sample.Node < 0 || sample.Node >= len(s.Nodes) {
		exceptions.Panicf("placement.Step: sample for node #%d, but there are only %d nodes", sample.Node, len(s.Nodes))
	}
	window := s.Config.Window
	n := &s.Nodes[sample.Node]
	current, placed := &n.CPU, &n.PlacedCPU
	if sample.Device == compute.DeviceGPU {
		current, placed = &n.GPU, &n.PlacedGPU
	}
	*current = current.Update(sample.Compute, window)
	if sample.H2DCount > 0 {
		s.H2D = s.H2D.Update(sample.H2D/time.Duration(sample.H2DCount), window)
	}
	if sample.D2HCount > 0 {
		s.D2H = s.D2H.Update(sample.D2H/time.Duration(sample.D2HCount), window)
	}
	if s.Phase != PhaseAdaptive {
		return
	}
	if !placed.Known() {
		// First timing on this device since the last Strategy run: it becomes the reference.
		*placed = *current
	}
	nodeExcess := excess(n.CPU, n.PlacedCPU, window, s.Config.DriftSigmas) +
		excess(n.GPU, n.PlacedGPU, window, s.Config.DriftSigmas)
	s.Drift += nodeExcess - n.Excess
	n.Excess = nodeExcess
}

// excess returns how far current moved from placed beyond sigmas standard errors of current.
func excess(current, placed Estimate, window int, sigmas float64) time.Duration {
	if !current.Known() || !placed.Known() {
		return 0
	}
	shift := current.Mean - placed.Mean
	if shift < 0 {
		shift = -shift
	}
	tolerance := time.Duration(sigmas * float64(current.StdErr(window)))
	return max(shift-tolerance, 0)
}

func startGPUWarmup(s *State) {
	MarkGPUNodes(s)
	for ii := range s.Nodes {
		s.Nodes[ii].Device = compute.DeviceCPU
	}
	for ii := range s.Nodes {
		if s.Nodes[ii].Eligible && fedFromDataOnly(s, ii) {
			AssignToGPU(s, ii)
		}
	}
}

func resimulate(s *State) {
	strategy := s.Config.Strategy
	if strategy == nil {
		strategy = ThresholdSearch{}
	}
	placement := strategy.Place(s)
	changed := false
	for ii := range s.Nodes {
		n := &s.Nodes[ii]
		if n.Device != placement.Devices[ii] {
			changed = true
			n.Device = placement.Devices[ii]
		}
		n.PlacedCPU, n.PlacedGPU, n.Excess = n.CPU, n.GPU, 0
	}
	if changed {
		s.Unchanged = 0
	} else {
		s.Unchanged++
	}
	s.Threshold = placement.Threshold
	s.Projected = placement.Projected
	s.Baseline = Baseline(s.Nodes)
	s.Drift = 0
	s.Resimulations++
}

// NewState returns the initial state for the given nodes: PhaseCPUWarmup with every node on
// the CPU if gpuAllowed, PhaseCPUOnly otherwise.
func NewState(nodes []NodeState, config Config, gpuAllowed bool) State {
	s := State{
		Config: config,
		Phase:  PhaseCPUOnly,
		Nodes:  nodes,
	}
	if gpuAllowed {
		s.Phase = PhaseCPUWarmup
	}
	for ii := range s.Nodes {
		s.Nodes[ii].Device = compute.DeviceCPU
	}
	MarkGPUNodes(&s)
	return s
}
