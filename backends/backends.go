// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface an accelerator needs to implement to run nodes for
// the evaluation driver, and a registry of the available implementations.
//
// An accelerator has its own memory space: node values are copied explicitly from the host
// (CopyToDevice) and back (CopyToHost), and kernels are launched asynchronously, returning an
// Event to wait on.
//
// All errors returned by backends wrap compute.ErrDevice, except the errors of the node
// computations themselves, reported by Event.Wait.
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// Buffer is a contiguous block of float64 values in the accelerator memory.
type Buffer interface {
	// Len returns the number of values in the buffer.
	Len() int
}

// Event signals the completion of an asynchronous launch.
type Event interface {
	// Wait blocks until the launch is complete, and returns its error, if any. Errors (or
	// panics) of the node's computation are returned as they are, not as compute.ErrDevice.
	Wait() error
}

// Backend is the API that needs to be implemented by an accelerator backend.
//
// Buffers are only valid for the backend that allocated them.
type Backend interface {
	// Name returns the short name of the backend, as used in the registry.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Alloc allocates a buffer of n values. The contents are undefined.
	Alloc(n int) (Buffer, error)

	// Sub returns a view of n values of buf, starting at offset. The view is valid while buf
	// is; it must not be freed.
	Sub(buf Buffer, offset, n int) (Buffer, error)

	// Free releases a buffer returned by Alloc.
	Free(buf Buffer)

	// CopyToDevice copies src from the host into dst. len(src) must be equal to dst.Len().
	CopyToDevice(dst Buffer, src []float64) error

	// CopyToHost copies src from the accelerator into dst. len(dst) must be equal to src.Len().
	CopyToHost(dst []float64, src Buffer) error

	// Launch starts the computation of node on the accelerator, writing into out given the
	// values of its dependencies in inputs. Inputs of length 1 are constant streams.
	//
	// Neither out nor inputs may be used by the host until the returned Event is waited on.
	Launch(node compute.Node, out Buffer, inputs []Buffer) (Event, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()

	// IsFinalized returns whether Finalize was called.
	IsFinalized() bool
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registryMu             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EnvBackend is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const EnvBackend = "EVALDRIVER_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment EVALDRIVER_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(EnvBackend); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "simgpu"), and
// "<backend_configuration>" is backend specific. If config has no ":", it is taken as the
// name of the backend if one is registered with that name, otherwise as the configuration of
// the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	registryMu.Lock()
	if len(registeredConstructors) == 0 {
		registryMu.Unlock()
		return nil, compute.Devicef(`no registered accelerator backends -- maybe import the default one with import _ "github.com/gomlx/evaldriver/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	registryMu.Unlock()
	if !found {
		return nil, compute.Devicef("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
