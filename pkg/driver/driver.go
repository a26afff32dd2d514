// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver evaluates a graph of compute.Node over batches of data, placing each node
// on the CPU or on an accelerator.
//
// A Driver is created for a top node, a normalization set and a compute.BatchMode. Data is
// bound with SetData or SetDataSpans, and each call to GetVal or GetValues runs one
// evaluation pass: the nodes are computed in the order given by graphorder, into buffers
// taken from a buffers.Pool, on the device the placement.Planner chose for them. The timings
// of each pass feed the planner, so the placement adapts over the invocations.
//
// While the driver is open, the nodes it evaluates are in compute.ModeBatch. Close restores
// their previous modes, so it should always be deferred:
//
//	d, err := driver.New(top, norm, compute.BatchModeGPU)
//	if err != nil {
//		return err
//	}
//	defer func() { _ = d.Close() }()
//
// A Driver is not safe for concurrent use. Two drivers over graphs sharing nodes must not be
// used concurrently either, since they change the modes of the same nodes.
package driver

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/backends"
	"github.com/gomlx/evaldriver/pkg/core/buffers"
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/graphorder"
	"github.com/gomlx/evaldriver/pkg/core/modeguard"
	"github.com/gomlx/evaldriver/pkg/core/placement"
	"github.com/gomlx/evaldriver/pkg/support/sets"
)

// ErrClosed is returned by the methods of a Driver after Close.
var ErrClosed = errors.New("driver is closed")

// Driver evaluates a graph of nodes over batches of data. See package documentation.
type Driver struct {
	id        string
	batchMode compute.BatchMode
	order     *graphorder.Order
	nodes     []nodeInfo

	pool          *buffers.Pool
	guard         modeguard.Stack
	planner       *placement.Planner
	plannerConfig placement.Config
	strategy      placement.Strategy
	forceCPU      sets.Set[compute.Key]
	forceCPUNodes []compute.Node

	backend     backends.Backend
	ownsBackend bool

	// deviceData holds the bound data on the accelerator. It is uploaded the first time a
	// node on the accelerator uses data, and dropped when data is rebound.
	deviceData backends.Buffer

	bound       bool
	invocations int
	closed      bool
	stats       Stats

	// Scratch space for the inputs of a node.
	inputs, elementInputs []compute.Span
	deviceInputs          []backends.Buffer
}

// New creates a driver for the graph of the top node, normalized over norm.
//
// The evaluation order is built immediately, and configuration errors (e.g.: cycles or a
// norm set not matching the graph) are returned here. Unless batchMode is
// compute.BatchModeOff, the nodes of the order are switched to compute.ModeBatch until Close.
//
// With compute.BatchModeGPU, an accelerator backend is needed: see WithBackend.
//
// If the graph has no observables, it is bound to empty data right away, and it can be
// evaluated without calling SetData.
func New(top compute.Node, norm compute.NormSet, batchMode compute.BatchMode, options ...Option) (*Driver, error) {
	d := &Driver{
		id:            uuid.NewString(),
		batchMode:     batchMode,
		pool:          buffers.New(),
		plannerConfig: placement.DefaultConfig(),
	}
	for _, option := range options {
		option(d)
	}
	if d.strategy != nil {
		d.plannerConfig.Strategy = d.strategy
	}
	switch batchMode {
	case compute.BatchModeOff, compute.BatchModeCPU:
		d.backend = nil
	case compute.BatchModeGPU:
	default:
		return nil, compute.Configurationf("driver.New: invalid batch mode %s", batchMode)
	}

	order, err := graphorder.Build(top, norm)
	if err != nil {
		return nil, errors.WithMessagef(err, "driver.New")
	}
	d.order = order
	forceCPU := sets.Make[compute.Key]()
	for _, node := range d.forceCPUNodes {
		if !order.Contains(node) {
			return nil, compute.Configurationf("driver.New: node %q forced to the CPU is not evaluated for top node %q", node.Key(), top.Key())
		}
		forceCPU.Insert(node.Key())
	}
	if len(d.forceCPU) > 0 {
		keys := sets.Make[compute.Key](order.Len())
		for _, node := range order.Nodes() {
			keys.Insert(node.Key())
		}
		for key := range d.forceCPU {
			if !keys.Has(key) {
				klog.Warningf("driver %s: no node %q to force to the CPU in the graph of %q", d.id, key, top.Key())
			}
			forceCPU.Insert(key)
		}
	}
	d.nodes = make([]nodeInfo, order.Len())
	for ii, node := range order.Nodes() {
		d.nodes[ii] = nodeInfo{
			node:     node,
			index:    ii,
			servers:  order.Servers(ii),
			clients:  order.Clients(ii),
			forceCPU: compute.IsCPUOnly(node) || forceCPU.Has(node.Key()),
		}
	}

	// From here on, undo the mode overrides (and release the backend) if anything fails.
	succeeded := false
	defer func() {
		if !succeeded {
			d.closeAfterFailure()
		}
	}()
	if batchMode != compute.BatchModeOff {
		for _, node := range order.Nodes() {
			d.guard.Push(node, compute.ModeBatch)
		}
	}
	if batchMode == compute.BatchModeGPU && d.backend == nil {
		d.backend, err = backends.New()
		if err != nil {
			return nil, errors.WithMessagef(err, "driver.New: failed to create accelerator backend for batch mode %s", batchMode)
		}
		d.ownsBackend = true
	}
	d.planner = placement.New(order, d.bindings(), d.plannerConfig, batchMode == compute.BatchModeGPU)

	if !d.hasObservables() {
		if err = d.SetDataSpans(nil); err != nil {
			return nil, err
		}
	}
	succeeded = true
	if klog.V(1).Enabled() {
		backendName := "none"
		if d.backend != nil {
			backendName = d.backend.Name()
		}
		klog.Infof("driver %s: created for top node %q, %d nodes, norm set %q, batch mode %s, backend %s",
			d.id, top.Key(), order.Len(), norm.Keys(), batchMode, backendName)
	}
	return d, nil
}

func (d *Driver) hasObservables() bool {
	for _, leaf := range d.order.Leaves() {
		if compute.IsObservable(d.order.Node(leaf), d.order.NormSet()) {
			return true
		}
	}
	return false
}

// closeAfterFailure releases what New acquired so far.
func (d *Driver) closeAfterFailure() {
	d.closed = true
	if d.ownsBackend && d.backend != nil {
		d.backend.Finalize()
	}
	if err := d.guard.Restore(); err != nil {
		klog.Warningf("driver %s: %v", d.id, err)
	}
}

// ID returns a unique identifier of the driver, used in its logs.
func (d *Driver) ID() string {
	return d.id
}

// TopNode returns the node the driver evaluates. It must not be modified while the driver
// is open.
func (d *Driver) TopNode() compute.Node {
	return d.order.Top()
}

// BatchMode returns the batch mode the driver was created with.
func (d *Driver) BatchMode() compute.BatchMode {
	return d.batchMode
}

// Backend returns the accelerator used by the driver, or nil if not using one.
func (d *Driver) Backend() backends.Backend {
	return d.backend
}

// Invocations returns the number of calls to GetVal and GetValues so far.
func (d *Driver) Invocations() int {
	return d.invocations
}

// GetVal runs one evaluation pass and returns the value of the top node.
//
// The top node must be single-valued: scalar-like, a reducer, or with an output of size 1 in
// the current binding. Otherwise it returns an error of kind compute.ErrConfiguration: use
// GetValues instead.
func (d *Driver) GetVal() (float64, error) {
	if err := d.checkQuery("GetVal"); err != nil {
		return 0, err
	}
	topInfo := &d.nodes[d.order.TopIndex()]
	top := topInfo.node
	if !top.IsScalarLike() && !compute.IsReducer(top) && topInfo.size != 1 {
		return 0, compute.Configurationf("driver.GetVal: top node %q has %d values, use GetValues", top.Key(), topInfo.size)
	}
	value, err := d.run()
	if err != nil {
		return 0, errors.WithMessagef(err, "driver.GetVal")
	}
	return value.At(0), nil
}

// GetValues runs one evaluation pass and returns a copy of the values of the top node, one
// per batch element.
//
// The top node must not be a reducer: it returns an error of kind compute.ErrConfiguration
// then. Use GetVal instead.
func (d *Driver) GetValues() ([]float64, error) {
	if err := d.checkQuery("GetValues"); err != nil {
		return nil, err
	}
	top := d.order.Top()
	if compute.IsReducer(top) {
		return nil, compute.Configurationf("driver.GetValues: top node %q is a reducer, use GetVal", top.Key())
	}
	value, err := d.run()
	if err != nil {
		return nil, errors.WithMessagef(err, "driver.GetValues")
	}
	values := make([]float64, value.Len())
	copy(values, value.Data())
	return values, nil
}

func (d *Driver) checkQuery(method string) error {
	if d.closed {
		return errors.Wrapf(ErrClosed, "driver.%s", method)
	}
	if !d.bound {
		return compute.DataBindingf("driver.%s: no data bound, call SetData or SetDataSpans first", method)
	}
	return nil
}

// Close releases the buffers and the accelerator resources of the driver, and restores the
// modes of the nodes. It is idempotent, and the driver can't be used after it.
//
// The modes are restored even if releasing the resources fails. The returned error reports
// modes that could not be restored.
func (d *Driver) Close() (err error) {
	if d.closed {
		return nil
	}
	d.closed = true
	defer func() {
		if restoreErr := d.guard.Restore(); restoreErr != nil {
			err = errors.WithMessagef(restoreErr, "driver %s: Close", d.id)
		}
		klog.V(1).Infof("driver %s: closed after %d invocations", d.id, d.invocations)
	}()
	d.releasePass()
	d.freeDeviceData()
	if d.ownsBackend && d.backend != nil {
		d.backend.Finalize()
	}
	d.pool.Free()
	return nil
}

// IsClosed returns whether Close was called.
func (d *Driver) IsClosed() bool {
	return d.closed
}
