// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"math"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// Gaussian is the unnormalized density exp(-((x-mean)/sigma)^2/2).
type Gaussian struct {
	base
}

// NewGaussian returns a Gaussian of x with the given mean and sigma.
func NewGaussian(name string, x, mean, sigma compute.Node) *Gaussian {
	return &Gaussian{base: newBase(name, x, mean, sigma)}
}

// IsScalarLike implements compute.Node.
func (g *Gaussian) IsScalarLike() bool { return allScalarLike(g.deps) }

// Compute implements compute.Node.
func (g *Gaussian) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(g, inputs, 3); err != nil {
		return err
	}
	x, mean, sigma := inputs[0], inputs[1], inputs[2]
	for ii := range out {
		z := (x.At(ii) - mean.At(ii)) / sigma.At(ii)
		out[ii] = math.Exp(-0.5 * z * z)
	}
	return nil
}

// GaussianIntegral is the integral of a Gaussian over x in [lo, hi].
type GaussianIntegral struct {
	base
	lo, hi float64
}

// NewGaussianIntegral returns the integral over [lo, hi] of the Gaussian with the given mean
// and sigma.
func NewGaussianIntegral(name string, mean, sigma compute.Node, lo, hi float64) *GaussianIntegral {
	return &GaussianIntegral{base: newBase(name, mean, sigma), lo: lo, hi: hi}
}

// IsScalarLike implements compute.Node.
func (g *GaussianIntegral) IsScalarLike() bool { return allScalarLike(g.deps) }

// Compute implements compute.Node.
func (g *GaussianIntegral) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(g, inputs, 2); err != nil {
		return err
	}
	mean, sigma := inputs[0], inputs[1]
	for ii := range out {
		m, s := mean.At(ii), sigma.At(ii)
		scale := s * math.Sqrt2
		out[ii] = s * math.Sqrt(math.Pi/2) * (math.Erf((g.hi-m)/scale) - math.Erf((g.lo-m)/scale))
	}
	return nil
}

// Exponential is the density exp(c*x).
type Exponential struct {
	base
}

// NewExponential returns exp(c*x).
func NewExponential(name string, x, c compute.Node) *Exponential {
	return &Exponential{base: newBase(name, x, c)}
}

// IsScalarLike implements compute.Node.
func (e *Exponential) IsScalarLike() bool { return allScalarLike(e.deps) }

// Compute implements compute.Node.
func (e *Exponential) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(e, inputs, 2); err != nil {
		return err
	}
	x, c := inputs[0], inputs[1]
	for ii := range out {
		out[ii] = math.Exp(c.At(ii) * x.At(ii))
	}
	return nil
}

// ExponentialIntegral is the integral of exp(c*x) over x in [lo, hi].
type ExponentialIntegral struct {
	base
	lo, hi float64
}

// NewExponentialIntegral returns the integral over [lo, hi] of exp(c*x).
func NewExponentialIntegral(name string, c compute.Node, lo, hi float64) *ExponentialIntegral {
	return &ExponentialIntegral{base: newBase(name, c), lo: lo, hi: hi}
}

// IsScalarLike implements compute.Node.
func (e *ExponentialIntegral) IsScalarLike() bool { return allScalarLike(e.deps) }

// Compute implements compute.Node.
func (e *ExponentialIntegral) Compute(out []float64, inputs []compute.Span) error {
	if err := checkInputs(e, inputs, 1); err != nil {
		return err
	}
	for ii := range out {
		c := inputs[0].At(ii)
		if c == 0 {
			out[ii] = e.hi - e.lo
			continue
		}
		out[ii] = (math.Exp(c*e.hi) - math.Exp(c*e.lo)) / c
	}
	return nil
}

// Normalized divides a density by its integral, but only when it is evaluated with a
// normalization set that includes some of its observables: otherwise the integral is not
// even part of its dependencies.
//
// It implements compute.NormAware.
type Normalized struct {
	base
	pdf, integral compute.Node
	observables   []compute.Key
}

// NewNormalized returns pdf normalized by integral over the given observables.
func NewNormalized(name string, pdf, integral compute.Node, observables ...compute.Key) *Normalized {
	return &Normalized{
		base:        newBase(name, pdf, integral),
		pdf:         pdf,
		integral:    integral,
		observables: observables,
	}
}

// IsScalarLike implements compute.Node.
func (n *Normalized) IsScalarLike() bool { return n.pdf.IsScalarLike() }

// normalizes returns whether norm includes any of the observables.
func (n *Normalized) normalizes(norm compute.NormSet) bool {
	for _, key := range n.observables {
		if norm.Has(key) {
			return true
		}
	}
	return false
}

// DependenciesFor implements compute.NormAware.
func (n *Normalized) DependenciesFor(norm compute.NormSet) []compute.Node {
	if n.normalizes(norm) {
		return n.deps
	}
	return n.deps[:1]
}

// Compute implements compute.Node. Given only the pdf, it copies it.
func (n *Normalized) Compute(out []float64, inputs []compute.Span) error {
	switch len(inputs) {
	case 1:
		pdf := inputs[0]
		for ii := range out {
			out[ii] = pdf.At(ii)
		}
	case 2:
		pdf, integral := inputs[0], inputs[1]
		for ii := range out {
			out[ii] = pdf.At(ii) / integral.At(ii)
		}
	default:
		return checkInputs(n, inputs, 2)
	}
	return nil
}
