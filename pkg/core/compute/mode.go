// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode is the evaluation mode of a node.
type Mode int

const (
	// ModeAuto lets the node cache its value and recompute it when its inputs change.
	ModeAuto Mode = iota

	// ModeClean marks the value of the node as never requiring recomputation.
	ModeClean

	// ModeBatch marks the node as driven by a batch driver: its value is always computed
	// by the driver, vectorized over the batch.
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "Auto"
	case ModeClean:
		return "Clean"
	case ModeBatch:
		return "Batch"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Device where a node is computed.
type Device int

const (
	DeviceUndecided Device = iota
	DeviceCPU
	DeviceGPU
)

func (d Device) String() string {
	switch d {
	case DeviceUndecided:
		return "undecided"
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	}
	return fmt.Sprintf("Device(%d)", int(d))
}

// BatchMode is the policy of a driver regarding vectorized evaluation and accelerators.
type BatchMode int

const (
	// BatchModeOff evaluates each node once per batch element, on the CPU.
	BatchModeOff BatchMode = iota

	// BatchModeCPU evaluates each node vectorized over the batch, on the CPU only.
	BatchModeCPU

	// BatchModeGPU evaluates each node vectorized over the batch, on the CPU or on an
	// accelerator, as decided by the placement planner.
	BatchModeGPU
)

func (b BatchMode) String() string {
	switch b {
	case BatchModeOff:
		return "off"
	case BatchModeCPU:
		return "cpu"
	case BatchModeGPU:
		return "gpu"
	}
	return fmt.Sprintf("BatchMode(%d)", int(b))
}

// ParseBatchMode converts "off", "cpu" or "gpu" (case-insensitive; "cuda" is accepted as an
// alias of "gpu") to a BatchMode.
func ParseBatchMode(s string) (BatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return BatchModeOff, nil
	case "cpu":
		return BatchModeCPU, nil
	case "gpu", "cuda":
		return BatchModeGPU, nil
	}
	return BatchModeOff, errors.Errorf("unknown batch mode %q, valid values are \"off\", \"cpu\" or \"gpu\"", s)
}
