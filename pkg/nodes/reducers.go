// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// kahanSum is a compensated summation accumulator.
type kahanSum struct {
	sum, carry float64
}

func (k *kahanSum) add(x float64) {
	y := x - k.carry
	t := k.sum + y
	k.carry = (t - k.sum) - y
	k.sum = t
}

// Sum reduces its input to the sum over all batch elements.
//
// It implements compute.Reducer.
type Sum struct {
	base
}

// NewSum returns the sum over all batch elements of x.
func NewSum(name string, x compute.Node) *Sum {
	return &Sum{base: newBase(name, x)}
}

// IsScalarLike implements compute.Node.
func (s *Sum) IsScalarLike() bool { return false }

// IsReducer implements compute.Reducer.
func (s *Sum) IsReducer() bool { return true }

// Compute implements compute.Node.
func (s *Sum) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(s, inputs, 1); err != nil {
		return err
	}
	var acc kahanSum
	for _, x := range inputs[0].Data() {
		acc.add(x)
	}
	for ii := range out {
		out[ii] = acc.sum
	}
	return nil
}

// NLL is the negative log-likelihood -Σ log(p) of its input probabilities.
//
// It implements compute.Reducer.
type NLL struct {
	base
}

// NewNLL returns the negative log-likelihood of the probabilities pdf.
func NewNLL(name string, pdf compute.Node) *NLL {
	return &NLL{base: newBase(name, pdf)}
}

// IsScalarLike implements compute.Node.
func (n *NLL) IsScalarLike() bool { return false }

// IsReducer implements compute.Reducer.
func (n *NLL) IsReducer() bool { return true }

// Compute implements compute.Node. It fails if any probability is not positive.
func (n *NLL) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(n, inputs, 1); err != nil {
		return err
	}
	var acc kahanSum
	for ii, p := range inputs[0].Data() {
		if !(p > 0) {
			return errors.Errorf("node %q: probability %g at entry %d is not positive", n.key, p, ii)
		}
		acc.add(-math.Log(p))
	}
	for ii := range out {
		out[ii] = acc.sum
	}
	return nil
}
