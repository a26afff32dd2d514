// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/placement"
)

// Dataset is a source of data spans, optionally restricted to named ranges and split by a
// category. See package dataset for an implementation.
type Dataset interface {
	// Spans returns one span per variable (column) of the selected rows.
	Spans(rangeName, splitCategory string) (compute.DataSpans, error)
}

// SetData binds the data of ds, restricted to the rows in rangeName (if not empty) and split
// by splitCategory (if not empty). See SetDataSpans.
func (d *Driver) SetData(ds Dataset, rangeName, splitCategory string) error {
	if d.closed {
		return errors.Wrap(ErrClosed, "driver.SetData")
	}
	if ds == nil {
		return compute.DataBindingf("driver.SetData: nil dataset")
	}
	spans, err := ds.Spans(rangeName, splitCategory)
	if err != nil {
		return errors.WithMessagef(err, "driver.SetData(range=%q, split=%q)", rangeName, splitCategory)
	}
	return d.SetDataSpans(spans)
}

// binding of one node to the data, before it is committed.
type binding struct {
	size     int
	fromData bool
	data     compute.Span
	skipped  bool
}

// SetDataSpans binds the nodes of the graph with the keys of spans to the given data.
// Entries not matching any node are ignored.
//
// The output size of every node is derived from the data: the length of its span for
// data-bound nodes, 1 for scalar-like nodes and reducers, and the common batch size of the
// inputs for the others. Nodes only needed to compute data-bound nodes are not computed.
//
// It returns an error of kind compute.ErrDataBinding if an observable needed by the graph
// has no data, or if the inputs of a node have different batch sizes. On error, the previous
// binding stays in place.
//
// A successful call invalidates all buffers of the previous binding, including the data
// uploaded to the accelerator.
func (d *Driver) SetDataSpans(spans compute.DataSpans) error {
	if d.closed {
		return errors.Wrap(ErrClosed, "driver.SetDataSpans")
	}
	bindings, err := d.bind(spans)
	if err != nil {
		return errors.WithMessagef(err, "driver.SetDataSpans")
	}

	d.releasePass()
	d.freeDeviceData()
	dataOffset := 0
	for ii := range d.nodes {
		info, b := &d.nodes[ii], bindings[ii]
		info.size, info.fromData, info.data, info.skipped = b.size, b.fromData, b.data, b.skipped
		info.consumers, info.pending = 0, 0
		info.dataOffset = 0
		if info.fromData {
			info.dataOffset = dataOffset
			dataOffset += info.size
		}
	}
	for ii := range d.nodes {
		if !d.nodes[ii].computed() {
			continue
		}
		for _, server := range d.nodes[ii].servers {
			d.nodes[server].consumers++
		}
	}
	d.planner.Rebind(d.bindings())
	d.bound = true

	if klog.V(1).Enabled() {
		var numData, numSkipped int
		for ii := range d.nodes {
			if d.nodes[ii].fromData {
				numData++
			} else if d.nodes[ii].skipped {
				numSkipped++
			}
		}
		klog.Infof("driver %s: bound %d nodes to data (%d values), %d nodes skipped, top node size %d",
			d.id, numData, dataOffset, numSkipped, d.nodes[d.order.TopIndex()].size)
	}
	return nil
}

// bind validates spans against the graph and returns the binding of each node. It doesn't
// change the driver.
func (d *Driver) bind(spans compute.DataSpans) ([]binding, error) {
	bindings := make([]binding, len(d.nodes))
	norm := d.order.NormSet()
	topIndex := d.order.TopIndex()

	// Data-bound nodes.
	numMatched := 0
	for ii := range d.nodes {
		node := d.nodes[ii].node
		span, found := spans[node.Key()]
		if !found {
			continue
		}
		if node.IsScalarLike() && span.Len() != 1 {
			return nil, compute.DataBindingf("scalar-like node %q bound to %d values", node.Key(), span.Len())
		}
		bindings[ii] = binding{size: span.Len(), fromData: true, data: span}
		numMatched++
	}

	// Nodes needed only by data-bound nodes are skipped. Clients come after their servers in
	// the order, so a reverse traversal sees every client first.
	for ii := len(d.nodes) - 1; ii >= 0; ii-- {
		if ii == topIndex || bindings[ii].fromData {
			continue
		}
		skipped := true
		for _, client := range d.nodes[ii].clients {
			if !bindings[client].fromData && !bindings[client].skipped {
				skipped = false
				break
			}
		}
		bindings[ii].skipped = skipped
	}

	// Observables must be bound.
	for ii := range d.nodes {
		node := d.nodes[ii].node
		if bindings[ii].fromData || bindings[ii].skipped || !compute.IsObservable(node, norm) {
			continue
		}
		if numMatched == 0 && len(spans) > 0 {
			return nil, compute.Configurationf("none of the data keys %q match a node of the graph of %q: top node not reachable from bound data",
				spans.Keys(), d.order.Top().Key())
		}
		return nil, compute.DataBindingf("no data bound to observable %q (data keys: %q)", node.Key(), spans.Keys())
	}

	// Output sizes.
	for ii := range d.nodes {
		b := &bindings[ii]
		if b.fromData || b.skipped {
			continue
		}
		node := d.nodes[ii].node
		if node.IsScalarLike() || compute.IsReducer(node) {
			b.size = 1
			continue
		}
		batchSize, batchServer := -1, -1
		for _, server := range d.nodes[ii].servers {
			serverNode := d.nodes[server].node
			if serverNode.IsScalarLike() || compute.IsReducer(serverNode) {
				continue
			}
			size := bindings[server].size
			if batchSize == -1 {
				batchSize, batchServer = size, server
				continue
			}
			if size != batchSize {
				return nil, compute.DataBindingf("node %q has inputs with different batch sizes: %q has %d values, %q has %d",
					node.Key(), d.nodes[batchServer].node.Key(), batchSize, serverNode.Key(), size)
			}
		}
		if batchSize == -1 {
			batchSize = 1
		}
		b.size = batchSize
	}
	return bindings, nil
}

// bindings returns the bindings in the format of the planner.
func (d *Driver) bindings() []placement.Binding {
	bindings := make([]placement.Binding, len(d.nodes))
	for ii := range d.nodes {
		info := &d.nodes[ii]
		bindings[ii] = placement.Binding{
			Size:     info.size,
			FromData: info.fromData,
			Skipped:  info.skipped,
			ForceCPU: info.forceCPU,
		}
	}
	return bindings
}
