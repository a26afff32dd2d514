// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"time"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// MarkGPUNodes flags the nodes that may be placed on the accelerator: computed nodes (not
// scalar-like, not bound to data, not skipped) with a batch size of at least
// Config.GPUSizeThreshold that are not forced to the CPU.
//
// Only eligibility is set: devices are not changed.
func MarkGPUNodes(s *State) {
	for ii := range s.Nodes {
		n := &s.Nodes[ii]
		n.Eligible = n.Computed() && !n.ForceCPU && n.Size >= s.Config.GPUSizeThreshold && n.Size > 0
	}
}

// AssignToGPU places node i on the accelerator, and then propagates the assignment to its
// eligible clients whose other non-scalar inputs are already on the accelerator or are
// bound data: those would otherwise pay a device to host copy for no reason.
//
// It is a no-op if node i is not eligible.
func AssignToGPU(s *State, i int) {
	n := &s.Nodes[i]
	if !n.Eligible || n.Device == compute.DeviceGPU {
		return
	}
	n.Device = compute.DeviceGPU
	for _, client := range n.Clients {
		c := &s.Nodes[client]
		if !c.Eligible || c.Device == compute.DeviceGPU {
			continue
		}
		if fedFromGPUOrData(s, client) {
			AssignToGPU(s, client)
		}
	}
}

// fedFromGPUOrData returns whether every non-scalar input of node i is on the accelerator or
// bound data.
func fedFromGPUOrData(s *State, i int) bool {
	for _, server := range s.Nodes[i].Servers {
		srv := &s.Nodes[server]
		if srv.Scalar || srv.FromData || srv.Skipped {
			continue
		}
		if srv.Device != compute.DeviceGPU {
			return false
		}
	}
	return true
}

// fedFromDataOnly returns whether every input of node i is bound data or scalar-like.
func fedFromDataOnly(s *State, i int) bool {
	for _, server := range s.Nodes[i].Servers {
		if !s.Nodes[server].Resident() {
			return false
		}
	}
	return true
}

// SimulateFit replays one evaluation pass on a two-device schedule using the current
// estimates, and returns the projected wall time and the device chosen for each node.
//
// Whenever a device becomes free it takes the ready node that suits it best: the CPU takes
// the node with the smallest cpu-gpu difference, the accelerator the one with the largest.
// A node may only run on its slower device if |cpu-gpu| <= diffThreshold, so a threshold of
// 0 gives every node its fastest device, and larger thresholds trade per-node speed for
// keeping both devices busy. Nodes without accelerator estimates, or not eligible, run on
// the CPU.
//
// A value computed on one device and consumed on the other makes the consumer wait for a
// copy: h2d for host to device, d2h for device to host. Data and scalar nodes are available
// on both devices from the start. If the last node (the top node) runs on the accelerator,
// a final d2h copy is added.
func SimulateFit(nodes []NodeState, h2d, d2h, diffThreshold time.Duration) (time.Duration, []compute.Device) {
	allowed := func(i int, device compute.Device) bool {
		n := &nodes[i]
		if !n.gpuCapable() {
			return device == compute.DeviceCPU
		}
		diff := n.diff()
		if diff < 0 {
			diff = -diff
		}
		if diff <= diffThreshold {
			return true
		}
		if device == compute.DeviceGPU {
			return n.GPU.Mean < n.CPU.Mean
		}
		return n.CPU.Mean <= n.GPU.Mean
	}
	return schedule(nodes, h2d, d2h, allowed)
}

// Makespan returns the projected wall time of a pass with the given fixed device assignment.
func Makespan(nodes []NodeState, devices []compute.Device, h2d, d2h time.Duration) time.Duration {
	makespan, _ := schedule(nodes, h2d, d2h, func(i int, device compute.Device) bool {
		want := devices[i]
		if want == compute.DeviceUndecided {
			want = compute.DeviceCPU
		}
		return device == want
	})
	return makespan
}

// Baseline returns the projected wall time of a pass running every node on the CPU.
func Baseline(nodes []NodeState) time.Duration {
	var total time.Duration
	for ii := range nodes {
		if nodes[ii].Computed() {
			total += nodes[ii].CPU.Mean
		}
	}
	return total
}

// schedule is the list scheduler behind SimulateFit and Makespan. allowed must accept at
// least one device for every computed node.
func schedule(nodes []NodeState, h2d, d2h time.Duration, allowed func(i int, device compute.Device) bool) (time.Duration, []compute.Device) {
	numNodes := len(nodes)
	devices := make([]compute.Device, numNodes)
	finish := make([]time.Duration, numNodes)
	scheduled := make([]bool, numNodes)
	pendingServers := make([]int, numNodes)
	var ready []int
	remaining := 0
	for ii := range nodes {
		n := &nodes[ii]
		if n.Resident() {
			devices[ii] = compute.DeviceCPU
			scheduled[ii] = true
			continue
		}
		remaining++
	}
	for ii := range nodes {
		if scheduled[ii] {
			continue
		}
		for _, server := range nodes[ii].Servers {
			if !scheduled[server] {
				pendingServers[ii]++
			}
		}
		if pendingServers[ii] == 0 {
			ready = append(ready, ii)
		}
	}

	// availableAt returns when the value of server is available on device.
	availableAt := func(server int, device compute.Device) time.Duration {
		if nodes[server].Resident() {
			return 0
		}
		if devices[server] == device {
			return finish[server]
		}
		if device == compute.DeviceGPU {
			return finish[server] + h2d
		}
		return finish[server] + d2h
	}

	// pick returns the position in ready of the best candidate for device, or -1.
	pick := func(device compute.Device) int {
		best := -1
		for pos, i := range ready {
			if !allowed(i, device) {
				continue
			}
			if best == -1 {
				best = pos
				continue
			}
			current, candidate := ready[best], i
			currentDiff, candidateDiff := nodeDiff(&nodes[current]), nodeDiff(&nodes[candidate])
			if device == compute.DeviceCPU {
				if candidateDiff < currentDiff || (candidateDiff == currentDiff && candidate < current) {
					best = pos
				}
			} else {
				if candidateDiff > currentDiff || (candidateDiff == currentDiff && candidate < current) {
					best = pos
				}
			}
		}
		return best
	}

	var free [3]time.Duration // Indexed by compute.Device.
	var makespan time.Duration
	for remaining > 0 && len(ready) > 0 {
		first, second := compute.DeviceCPU, compute.DeviceGPU
		if free[compute.DeviceGPU] < free[compute.DeviceCPU] {
			first, second = second, first
		}
		device := first
		pos := pick(device)
		if pos == -1 {
			device = second
			pos = pick(device)
		}
		if pos == -1 {
			// Only reachable if allowed rejects both devices for every ready node: fall back to
			// the CPU for the first one.
			device, pos = compute.DeviceCPU, 0
		}
		i := ready[pos]
		ready = append(ready[:pos], ready[pos+1:]...)

		start := free[device]
		for _, server := range nodes[i].Servers {
			start = max(start, availableAt(server, device))
		}
		cost := nodes[i].CPU.Mean
		if device == compute.DeviceGPU {
			cost = nodes[i].GPU.Mean
		}
		devices[i] = device
		finish[i] = start + cost
		free[device] = finish[i]
		makespan = max(makespan, finish[i])
		scheduled[i] = true
		remaining--

		for _, client := range nodes[i].Clients {
			if scheduled[client] {
				continue
			}
			pendingServers[client]--
			if pendingServers[client] == 0 {
				ready = append(ready, client)
			}
		}
	}
	if numNodes > 0 && !nodes[numNodes-1].Resident() && devices[numNodes-1] == compute.DeviceGPU {
		makespan = max(makespan, finish[numNodes-1]+d2h)
	}
	return makespan, devices
}

// nodeDiff is the cpu-gpu difference used to rank candidates. Nodes that can't run on the
// accelerator rank as the most CPU-friendly.
func nodeDiff(n *NodeState) time.Duration {
	if !n.gpuCapable() {
		return minDuration
	}
	return n.diff()
}

const minDuration = time.Duration(-1 << 63)
