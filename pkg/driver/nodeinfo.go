// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"time"

	"github.com/gomlx/evaldriver/backends"
	"github.com/gomlx/evaldriver/pkg/core/buffers"
	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// nodeInfo is the state the driver keeps for each node of the evaluation order.
type nodeInfo struct {
	node  compute.Node
	index int

	// servers and clients are indices in the evaluation order. Repeated inputs appear
	// repeatedly.
	servers, clients []int

	// Set by the data binding.
	size     int
	fromData bool
	data     compute.Span
	skipped  bool

	// dataOffset is the position of the data of the node in the dataset uploaded to the
	// accelerator.
	dataOffset int

	forceCPU bool

	// consumers is the number of uses of this node by clients that are computed in a pass.
	consumers int

	// Valid during a pass.
	pending     int
	hostBuffer  *buffers.Buffer
	deviceValue backends.Buffer
	ownsDevice  bool // deviceValue was allocated for this node, as opposed to a view of the dataset.

	// Accounting.
	device      compute.Device
	evaluations int
	cpuTime     time.Duration
	gpuTime     time.Duration // Includes transfers.
	lastEval    time.Time
}

// computed returns whether the node is evaluated in the passes of the current binding.
func (info *nodeInfo) computed() bool {
	return !info.fromData && !info.skipped
}

// hostValid returns whether the value of the node is available on the host.
func (info *nodeInfo) hostValid() bool {
	return info.fromData || info.hostBuffer != nil
}

// hostSpan returns the host value of the node. It must be hostValid.
func (info *nodeInfo) hostSpan() compute.Span {
	if info.fromData {
		return info.data
	}
	return compute.NewSpan(info.hostBuffer.Data())
}
