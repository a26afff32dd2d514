// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nodes implements a small library of computation nodes for the evaluation driver:
// leaves (variables, parameters and constants), elementwise arithmetic, a few probability
// density functions with their analytic integrals, and reducers.
//
// Graphs can be built in Go, or loaded from a YAML or TOML description with Load.
package nodes

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// base implements the bookkeeping part of compute.Node shared by all nodes.
type base struct {
	key     compute.Key
	deps    []compute.Node
	mode    compute.Mode
	cpuOnly bool
}

func newBase(name string, deps ...compute.Node) base {
	return base{key: compute.Key(name), deps: deps}
}

// Key implements compute.Node.
func (b *base) Key() compute.Key { return b.key }

// Dependencies implements compute.Node.
func (b *base) Dependencies() []compute.Node { return b.deps }

// Mode implements compute.Node.
func (b *base) Mode() compute.Mode { return b.mode }

// SetMode implements compute.Node.
func (b *base) SetMode(mode compute.Mode) { b.mode = mode }

// CPUOnly implements compute.CPUOnly.
func (b *base) CPUOnly() bool { return b.cpuOnly }

// SetCPUOnly excludes (or not) the node from the accelerator.
func (b *base) SetCPUOnly(cpuOnly bool) { b.cpuOnly = cpuOnly }

// allScalarLike returns whether all nodes are scalar-like.
func allScalarLike(nodes []compute.Node) bool {
	for _, node := range nodes {
		if !node.IsScalarLike() {
			return false
		}
	}
	return true
}

// allFull returns whether every input has exactly n values (no broadcasting needed).
func allFull(n int, inputs []compute.Span) bool {
	for _, in := range inputs {
		if in.Len() != n {
			return false
		}
	}
	return true
}

func checkInputs(node compute.Node, inputs []compute.Span, want int) error {
	if len(inputs) != want {
		return errors.Errorf("node %q expects %d inputs, got %d", node.Key(), want, len(inputs))
	}
	return nil
}

// Variable is an observable: a leaf whose values come from bound data.
type Variable struct {
	base
}

// NewVariable returns a new observable named name. Data is bound to it by its name.
func NewVariable(name string) *Variable {
	return &Variable{base: newBase(name)}
}

// IsScalarLike implements compute.Node.
func (v *Variable) IsScalarLike() bool { return false }

// Compute implements compute.Node. Variables take their values from data: it always fails.
func (v *Variable) Compute([]float64, []compute.Span) error {
	return errors.Errorf("variable %q has no data bound", v.key)
}

// Parameter is a scalar-like leaf with a settable value.
type Parameter struct {
	base
	value float64
}

// NewParameter returns a new parameter with the initial value.
func NewParameter(name string, value float64) *Parameter {
	return &Parameter{base: newBase(name), value: value}
}

// Value returns the current value.
func (p *Parameter) Value() float64 { return p.value }

// SetValue changes the value, used by subsequent evaluations.
func (p *Parameter) SetValue(value float64) { p.value = value }

// IsScalarLike implements compute.Node.
func (p *Parameter) IsScalarLike() bool { return true }

// Compute implements compute.Node.
func (p *Parameter) Compute(out []float64, _ []compute.Span) error {
	for ii := range out {
		out[ii] = p.value
	}
	return nil
}

// Constant is a scalar-like leaf with a fixed value.
type Constant struct {
	base
	value float64
}

// NewConstant returns a new constant.
func NewConstant(name string, value float64) *Constant {
	return &Constant{base: newBase(name), value: value}
}

// IsScalarLike implements compute.Node.
func (c *Constant) IsScalarLike() bool { return true }

// Compute implements compute.Node.
func (c *Constant) Compute(out []float64, _ []compute.Span) error {
	for ii := range out {
		out[ii] = c.value
	}
	return nil
}

// Add sums its inputs elementwise.
type Add struct {
	base
}

// NewAdd returns a node with the elementwise sum of terms.
func NewAdd(name string, terms ...compute.Node) *Add {
	return &Add{base: newBase(name, terms...)}
}

// IsScalarLike implements compute.Node.
func (a *Add) IsScalarLike() bool { return allScalarLike(a.deps) }

// Compute implements compute.Node.
func (a *Add) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(a, inputs, len(a.deps)); err != nil {
		return err
	}
	if len(inputs) > 0 && allFull(len(out), inputs) {
		copy(out, inputs[0].Data())
		for _, in := range inputs[1:] {
			floats.Add(out, in.Data())
		}
		return nil
	}
	for ii := range out {
		var sum float64
		for _, in := range inputs {
			sum += in.At(ii)
		}
		out[ii] = sum
	}
	return nil
}

// Product multiplies its inputs elementwise.
type Product struct {
	base
}

// NewProduct returns a node with the elementwise product of factors.
func NewProduct(name string, factors ...compute.Node) *Product {
	return &Product{base: newBase(name, factors...)}
}

// IsScalarLike implements compute.Node.
func (p *Product) IsScalarLike() bool { return allScalarLike(p.deps) }

// Compute implements compute.Node.
func (p *Product) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(p, inputs, len(p.deps)); err != nil {
		return err
	}
	if len(inputs) > 0 && allFull(len(out), inputs) {
		copy(out, inputs[0].Data())
		for _, in := range inputs[1:] {
			floats.Mul(out, in.Data())
		}
		return nil
	}
	for ii := range out {
		prod := 1.0
		for _, in := range inputs {
			prod *= in.At(ii)
		}
		out[ii] = prod
	}
	return nil
}

// UnaryFuncs maps the names accepted by NewUnary to their functions.
var UnaryFuncs = map[string]func(float64) float64{
	"exp":    math.Exp,
	"log":    math.Log,
	"sqrt":   math.Sqrt,
	"abs":    math.Abs,
	"neg":    func(x float64) float64 { return -x },
	"square": func(x float64) float64 { return x * x },
}

// Unary applies a named function elementwise.
type Unary struct {
	base
	funcName string
	fn       func(float64) float64
}

// NewUnary returns a node applying the function funcName (see UnaryFuncs) to x.
func NewUnary(name, funcName string, x compute.Node) (*Unary, error) {
	fn, found := UnaryFuncs[funcName]
	if !found {
		return nil, compute.Configurationf("node %q: unknown unary function %q", name, funcName)
	}
	return &Unary{base: newBase(name, x), funcName: funcName, fn: fn}, nil
}

// FuncName returns the name of the function applied.
func (u *Unary) FuncName() string { return u.funcName }

// IsScalarLike implements compute.Node.
func (u *Unary) IsScalarLike() bool { return allScalarLike(u.deps) }

// Compute implements compute.Node.
func (u *Unary) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(u, inputs, 1); err != nil {
		return err
	}
	x := inputs[0]
	for ii := range out {
		out[ii] = u.fn(x.At(ii))
	}
	return nil
}
