// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"time"

	"github.com/gomlx/evaldriver/pkg/core/buffers"
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/placement"
)

// Stats of a driver.
type Stats struct {
	// Invocations of GetVal and GetValues, and the number of them that completed a pass.
	Invocations, Passes int

	// LastPass and TotalPassTime are the wall times of the completed passes.
	LastPass, TotalPassTime time.Duration

	// Placement.
	Phase         placement.Phase
	NumOnGPU      int
	Resimulations int
	Projected     time.Duration
	Baseline      time.Duration

	// Transfers between host and accelerator.
	H2DCopies, D2HCopies int
	H2DTime, D2HTime     time.Duration

	// DeviceDataValues is the size of the last dataset uploaded to the accelerator.
	DeviceDataValues int

	// Pool of host buffers.
	Pool buffers.Stats
}

// Stats returns the current statistics of the driver.
func (d *Driver) Stats() Stats {
	stats := d.stats
	stats.Invocations = d.invocations
	state := d.planner.State()
	stats.Phase = state.Phase
	stats.NumOnGPU = state.NumOnGPU()
	stats.Resimulations = state.Resimulations
	stats.Projected = state.Projected
	stats.Baseline = state.Baseline
	stats.Pool = d.pool.Stats()
	return stats
}

// NodePlacement reports the placement and timings of one node.
type NodePlacement struct {
	Key compute.Key

	// Device planned for the next pass. compute.DeviceUndecided for nodes not computed.
	Device compute.Device

	// LastDevice where the node was computed.
	LastDevice compute.Device

	// Size of the output of the node.
	Size int

	FromData, Skipped, ForceCPU bool

	// Evaluations so far, and the cumulated time spent on each device. GPU time includes
	// transfers.
	Evaluations      int
	CPUTime, GPUTime time.Duration
	LastEvaluation   time.Time

	// Estimates of the planner.
	CPUEstimate, GPUEstimate time.Duration
}

// Placement returns the placement of each node, in evaluation order.
func (d *Driver) Placement() []NodePlacement {
	state := d.planner.State()
	devices := state.Devices()
	placements := make([]NodePlacement, len(d.nodes))
	for ii := range d.nodes {
		info := &d.nodes[ii]
		p := NodePlacement{
			Key:            info.node.Key(),
			LastDevice:     info.device,
			Size:           info.size,
			FromData:       info.fromData,
			Skipped:        info.skipped,
			ForceCPU:       info.forceCPU,
			Evaluations:    info.evaluations,
			CPUTime:        info.cpuTime,
			GPUTime:        info.gpuTime,
			LastEvaluation: info.lastEval,
			CPUEstimate:    state.Nodes[ii].CPU.Mean,
			GPUEstimate:    state.Nodes[ii].GPU.Mean,
		}
		if info.computed() {
			p.Device = devices[ii]
		}
		placements[ii] = p
	}
	return placements
}
