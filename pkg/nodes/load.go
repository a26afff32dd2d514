// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// NodeSpec describes one node of a graph description.
type NodeSpec struct {
	Name   string   `json:"name" yaml:"name" toml:"name"`
	Type   string   `json:"type" yaml:"type" toml:"type"`
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty" toml:"inputs,omitempty"`

	// Value of parameters and constants.
	Value float64 `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`

	// Func is the function name of "unary" nodes, see UnaryFuncs.
	Func string `json:"func,omitempty" yaml:"func,omitempty" toml:"func,omitempty"`

	// Range is the [lo, hi] integration range of integral nodes.
	Range []float64 `json:"range,omitempty" yaml:"range,omitempty" toml:"range,omitempty"`

	// Observables of "normalized" nodes.
	Observables []string `json:"observables,omitempty" yaml:"observables,omitempty" toml:"observables,omitempty"`

	// CPUOnly excludes the node from the accelerator.
	CPUOnly bool `json:"cpu_only,omitempty" yaml:"cpu_only,omitempty" toml:"cpu_only,omitempty"`
}

// Description of a graph: its nodes, in an order where inputs come before the nodes using
// them, the name of the top node and the normalization set.
type Description struct {
	Top   string     `json:"top" yaml:"top" toml:"top"`
	Norm  []string   `json:"norm,omitempty" yaml:"norm,omitempty" toml:"norm,omitempty"`
	Nodes []NodeSpec `json:"nodes" yaml:"nodes" toml:"nodes"`
}

// Graph built from a Description.
type Graph struct {
	Top  compute.Node
	Norm compute.NormSet

	// Nodes by name, and their names in declaration order.
	Nodes map[string]compute.Node
	Names []string
}

// Parameters returns the parameter nodes of the graph, in declaration order.
func (g *Graph) Parameters() []*Parameter {
	var params []*Parameter
	for _, name := range g.Names {
		if p, ok := g.Nodes[name].(*Parameter); ok {
			params = append(params, p)
		}
	}
	return params
}

// Variables returns the names of the observables of the graph, in declaration order.
func (g *Graph) Variables() []string {
	var names []string
	for _, name := range g.Names {
		if _, ok := g.Nodes[name].(*Variable); ok {
			names = append(names, name)
		}
	}
	return names
}

// LoadFile reads a graph description from a file, in the format given by its extension:
// ".yaml"/".yml", ".toml" or ".json".
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open graph description %q", path)
	}
	defer func() { _ = f.Close() }()
	g, err := Load(f, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", path)
	}
	return g, nil
}

// Load reads a graph description in the given format ("yaml", "yml", "toml" or "json") and
// builds the graph.
func Load(r io.Reader, format string) (*Graph, error) {
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read graph description")
	}
	var desc Description
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(contents, &desc)
	case "toml":
		err = toml.Unmarshal(contents, &desc)
	case "json":
		err = json.Unmarshal(contents, &desc)
	default:
		return nil, compute.Configurationf("unsupported graph description format %q", format)
	}
	if err != nil {
		return nil, compute.Configurationf("failed to parse %s graph description: %v", format, err)
	}
	return Build(&desc)
}

// Build the graph of a description.
func Build(desc *Description) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]compute.Node, len(desc.Nodes))}
	for ii := range desc.Nodes {
		spec := &desc.Nodes[ii]
		if spec.Name == "" {
			return nil, compute.Configurationf("node #%d of the graph description has no name", ii)
		}
		if _, found := g.Nodes[spec.Name]; found {
			return nil, compute.Configurationf("node %q defined more than once", spec.Name)
		}
		node, err := buildNode(g, spec)
		if err != nil {
			return nil, err
		}
		if spec.CPUOnly {
			cpuOnly, ok := node.(interface{ SetCPUOnly(bool) })
			if !ok {
				return nil, errors.Errorf("node %q of type %q can't be set cpu_only !?", spec.Name, spec.Type)
			}
			cpuOnly.SetCPUOnly(true)
		}
		g.Nodes[spec.Name] = node
		g.Names = append(g.Names, spec.Name)
	}

	top, found := g.Nodes[desc.Top]
	if !found {
		return nil, compute.Configurationf("top node %q not defined", desc.Top)
	}
	g.Top = top
	norm := make([]compute.Key, 0, len(desc.Norm))
	for _, name := range desc.Norm {
		if _, found := g.Nodes[name]; !found {
			return nil, compute.Configurationf("normalization variable %q not defined", name)
		}
		norm = append(norm, compute.Key(name))
	}
	g.Norm = compute.NewNormSet(norm...)
	return g, nil
}

func buildNode(g *Graph, spec *NodeSpec) (compute.Node, error) {
	inputs := make([]compute.Node, len(spec.Inputs))
	for ii, name := range spec.Inputs {
		input, found := g.Nodes[name]
		if !found {
			return nil, compute.Configurationf("node %q: input %q not defined before it", spec.Name, name)
		}
		inputs[ii] = input
	}
	wantInputs := func(n int) error {
		if len(inputs) != n {
			return compute.Configurationf("node %q of type %q requires %d inputs, got %d", spec.Name, spec.Type, n, len(inputs))
		}
		return nil
	}
	wantRange := func() (lo, hi float64, err error) {
		if len(spec.Range) != 2 || !(spec.Range[0] < spec.Range[1]) {
			return 0, 0, compute.Configurationf("node %q of type %q requires a range [lo, hi] with lo < hi, got %v", spec.Name, spec.Type, spec.Range)
		}
		return spec.Range[0], spec.Range[1], nil
	}

	switch strings.ToLower(spec.Type) {
	case "variable":
		return NewVariable(spec.Name), wantInputs(0)
	case "parameter":
		return NewParameter(spec.Name, spec.Value), wantInputs(0)
	case "constant":
		return NewConstant(spec.Name, spec.Value), wantInputs(0)
	case "add":
		if len(inputs) == 0 {
			return nil, compute.Configurationf("node %q of type \"add\" requires at least one input", spec.Name)
		}
		return NewAdd(spec.Name, inputs...), nil
	case "product":
		if len(inputs) == 0 {
			return nil, compute.Configurationf("node %q of type \"product\" requires at least one input", spec.Name)
		}
		return NewProduct(spec.Name, inputs...), nil
	case "unary":
		if err := wantInputs(1); err != nil {
			return nil, err
		}
		return NewUnary(spec.Name, spec.Func, inputs[0])
	case "gaussian":
		if err := wantInputs(3); err != nil {
			return nil, err
		}
		return NewGaussian(spec.Name, inputs[0], inputs[1], inputs[2]), nil
	case "gaussian_integral":
		if err := wantInputs(2); err != nil {
			return nil, err
		}
		lo, hi, err := wantRange()
		if err != nil {
			return nil, err
		}
		return NewGaussianIntegral(spec.Name, inputs[0], inputs[1], lo, hi), nil
	case "exponential":
		if err := wantInputs(2); err != nil {
			return nil, err
		}
		return NewExponential(spec.Name, inputs[0], inputs[1]), nil
	case "exponential_integral":
		if err := wantInputs(1); err != nil {
			return nil, err
		}
		lo, hi, err := wantRange()
		if err != nil {
			return nil, err
		}
		return NewExponentialIntegral(spec.Name, inputs[0], lo, hi), nil
	case "normalized":
		if err := wantInputs(2); err != nil {
			return nil, err
		}
		observables := make([]compute.Key, len(spec.Observables))
		for ii, name := range spec.Observables {
			observables[ii] = compute.Key(name)
		}
		return NewNormalized(spec.Name, inputs[0], inputs[1], observables...), nil
	case "sum":
		if err := wantInputs(1); err != nil {
			return nil, err
		}
		return NewSum(spec.Name, inputs[0]), nil
	case "nll":
		if err := wantInputs(1); err != nil {
			return nil, err
		}
		return NewNLL(spec.Name, inputs[0]), nil
	}
	return nil, compute.Configurationf("node %q has unknown type %q", spec.Name, spec.Type)
}
