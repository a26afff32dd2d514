// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"github.com/gomlx/evaldriver/backends"
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/placement"
	"github.com/gomlx/evaldriver/pkg/support/sets"
)

// Option configures a Driver. See New.
type Option func(d *Driver)

// WithBackend sets the accelerator used with compute.BatchModeGPU. The caller keeps the
// ownership of backend: it is not finalized by Driver.Close.
//
// If not set, the driver creates one with backends.New, and finalizes it on Close.
func WithBackend(backend backends.Backend) Option {
	return func(d *Driver) {
		d.backend = backend
	}
}

// WithPlannerConfig sets the configuration of the placement planner. The default is
// placement.DefaultConfig.
func WithPlannerConfig(config placement.Config) Option {
	return func(d *Driver) {
		d.plannerConfig = config
	}
}

// WithStrategy sets the placement strategy, overriding the one in the planner configuration.
func WithStrategy(strategy placement.Strategy) Option {
	return func(d *Driver) {
		d.strategy = strategy
	}
}

// WithForceCPU keeps the nodes with the given keys off the accelerator.
func WithForceCPU(keys ...compute.Key) Option {
	return func(d *Driver) {
		if d.forceCPU == nil {
			d.forceCPU = sets.Make[compute.Key]()
		}
		d.forceCPU.Insert(keys...)
	}
}

// WithForceCPUNodes keeps the given nodes off the accelerator. Unlike WithForceCPU, the nodes
// must be part of the graph evaluated by the driver, or New fails.
func WithForceCPUNodes(nodes ...compute.Node) Option {
	return func(d *Driver) {
		d.forceCPUNodes = append(d.forceCPUNodes, nodes...)
	}
}
