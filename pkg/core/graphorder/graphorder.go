// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphorder computes the evaluation order of the sub-graph needed to compute a top
// node under a normalization set.
//
// The order is a deterministic depth-first post-order: dependencies are visited in the order
// they are declared, so every node appears after all of its dependencies, and repeated builds
// over the same graph give the same order.
package graphorder

import (
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/support/sets"
)

// Order of evaluation of the nodes needed to compute a top node. The top node is always
// the last one.
type Order struct {
	norm  compute.NormSet
	nodes []compute.Node
	index map[compute.Node]int

	// servers[i] lists the indices of the dependencies of node i, in Compute input order.
	// A node used twice as input is listed twice.
	servers [][]int

	// clients[i] lists the indices of the nodes that use node i, once per use.
	clients [][]int
}

// visit states for the depth-first traversal.
const (
	unvisited = iota
	inProgress
	done
)

// Build the evaluation order of the graph rooted at top, following the dependencies
// required under norm (see compute.DependenciesOf).
//
// It returns an error of kind compute.ErrConfiguration if top is nil, if the graph has a
// cycle or a nil dependency, or if some key of norm doesn't match any leaf of the graph.
func Build(top compute.Node, norm compute.NormSet) (*Order, error) {
	if top == nil {
		return nil, compute.Configurationf("graphorder.Build: top node is nil")
	}
	o := &Order{
		norm:  norm,
		index: make(map[compute.Node]int),
	}
	state := make(map[compute.Node]int)
	var path []compute.Node

	var visit func(node compute.Node) error
	visit = func(node compute.Node) error {
		switch state[node] {
		case done:
			return nil
		case inProgress:
			return compute.Configurationf("graphorder.Build: cycle detected in graph through %s", cycleString(path, node))
		}
		state[node] = inProgress
		path = append(path, node)
		for ii, dep := range compute.DependenciesOf(node, norm) {
			if dep == nil {
				return compute.Configurationf("graphorder.Build: dependency #%d of node %q is nil", ii, node.Key())
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		o.index[node] = len(o.nodes)
		o.nodes = append(o.nodes, node)
		return nil
	}
	if err := visit(top); err != nil {
		return nil, err
	}

	o.servers = make([][]int, len(o.nodes))
	o.clients = make([][]int, len(o.nodes))
	for ii, node := range o.nodes {
		deps := compute.DependenciesOf(node, norm)
		o.servers[ii] = make([]int, len(deps))
		for jj, dep := range deps {
			depIdx := o.index[dep]
			o.servers[ii][jj] = depIdx
			o.clients[depIdx] = append(o.clients[depIdx], ii)
		}
	}

	if err := o.checkNormSet(); err != nil {
		return nil, err
	}
	return o, nil
}

// checkNormSet verifies that every key of the normalization set names a leaf of the graph.
func (o *Order) checkNormSet() error {
	if o.norm.Len() == 0 {
		return nil
	}
	leafKeys := sets.Make[compute.Key]()
	for ii, node := range o.nodes {
		if len(o.servers[ii]) == 0 {
			leafKeys.Insert(node.Key())
		}
	}
	for _, key := range o.norm.Keys() {
		if !leafKeys.Has(key) {
			return compute.Configurationf("normalization set variable %q is not a leaf of the computation graph of %q",
				key, o.Top().Key())
		}
	}
	return nil
}

func cycleString(path []compute.Node, repeated compute.Node) string {
	s := ""
	started := false
	for _, node := range path {
		if node == repeated {
			started = true
		}
		if started {
			s += string(node.Key()) + " -> "
		}
	}
	return s + string(repeated.Key())
}

// Len returns the number of nodes in the order.
func (o *Order) Len() int {
	return len(o.nodes)
}

// Nodes returns the nodes in evaluation order. The returned slice must not be modified.
func (o *Order) Nodes() []compute.Node {
	return o.nodes
}

// Node returns the i-th node in evaluation order.
func (o *Order) Node(i int) compute.Node {
	return o.nodes[i]
}

// Top returns the top node, the last in the order.
func (o *Order) Top() compute.Node {
	return o.nodes[len(o.nodes)-1]
}

// TopIndex returns the index of the top node.
func (o *Order) TopIndex() int {
	return len(o.nodes) - 1
}

// NormSet used to build the order.
func (o *Order) NormSet() compute.NormSet {
	return o.norm
}

// Index returns the position of node in the order, and whether it is part of the order.
func (o *Order) Index(node compute.Node) (int, bool) {
	idx, found := o.index[node]
	return idx, found
}

// Contains returns whether node is part of the computation graph.
func (o *Order) Contains(node compute.Node) bool {
	_, found := o.index[node]
	return found
}

// Servers returns the indices of the dependencies of node i, in Compute input order.
func (o *Order) Servers(i int) []int {
	return o.servers[i]
}

// Clients returns the indices of the nodes using node i, once per use.
func (o *Order) Clients(i int) []int {
	return o.clients[i]
}

// Leaves returns the indices of the nodes without dependencies, in order.
func (o *Order) Leaves() []int {
	var leaves []int
	for ii := range o.nodes {
		if len(o.servers[ii]) == 0 {
			leaves = append(leaves, ii)
		}
	}
	return leaves
}
