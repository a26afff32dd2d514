// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compute defines the capabilities the evaluation driver consumes from the
// externally owned computation graph: nodes, their evaluation modes, data spans and
// normalization sets.
//
// The driver never constructs or owns nodes. It only holds references to them, asks them
// for their dependencies, calls Node.Compute with the outputs of those dependencies and
// toggles their Mode through a guard that restores it when the driver is closed.
package compute

// Key identifies a node for data binding: a DataSpans entry with a node's Key binds that
// node to externally supplied data.
//
// Two different nodes with the same Key are bound to the same data.
type Key string

// Node is a unit of computation producing one value per batch element (or a single value,
// if it is scalar-like or a reducer) from the values of its dependencies.
type Node interface {
	// Key used to bind the node to data, and to report it in logs.
	Key() Key

	// Dependencies of the node, in a stable order. The inputs given to Compute follow the
	// same order.
	Dependencies() []Node

	// IsScalarLike returns whether the value of the node is invariant across batch
	// elements, e.g.: a parameter or a constant.
	IsScalarLike() bool

	// Compute writes len(out) values into out, given the spans of its dependencies.
	//
	// An input span of length 1 is a constant stream: Span.At broadcasts it to any index.
	// The contents of out are undefined before the call.
	Compute(out []float64, inputs []Span) error

	// Mode returns the current evaluation mode of the node.
	Mode() Mode

	// SetMode changes the evaluation mode of the node.
	// Drivers only change it through a modeguard.Stack, so it is restored on Close.
	SetMode(mode Mode)
}

// NormAware is implemented by nodes whose required dependencies depend on the
// normalization set: e.g.: a normalized pdf only needs its integral when it is normalized
// over some of its observables.
//
// If implemented, the driver uses DependenciesFor instead of Node.Dependencies, both to
// build the evaluation order and to feed Node.Compute.
type NormAware interface {
	DependenciesFor(norm NormSet) []Node
}

// Reducer is implemented by nodes that aggregate all batch elements of their inputs into
// one value, e.g.: a sum or a negative log-likelihood.
type Reducer interface {
	IsReducer() bool
}

// CPUOnly is implemented by nodes that must never be placed on an accelerator.
type CPUOnly interface {
	CPUOnly() bool
}

// DependenciesOf returns the dependencies of node under the normalization set norm:
// NormAware.DependenciesFor if implemented, Node.Dependencies otherwise.
func DependenciesOf(node Node, norm NormSet) []Node {
	if aware, ok := node.(NormAware); ok {
		return aware.DependenciesFor(norm)
	}
	return node.Dependencies()
}

// IsReducer returns whether node implements Reducer and reports being one.
func IsReducer(node Node) bool {
	r, ok := node.(Reducer)
	return ok && r.IsReducer()
}

// IsCPUOnly returns whether node implements CPUOnly and reports being one.
func IsCPUOnly(node Node) bool {
	c, ok := node.(CPUOnly)
	return ok && c.CPUOnly()
}

// IsObservable returns whether node is a leaf that needs externally bound data: it has no
// dependencies and it is not scalar-like.
func IsObservable(node Node, norm NormSet) bool {
	return len(DependenciesOf(node, norm)) == 0 && !node.IsScalarLike()
}
