// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modeguard records temporary evaluation-mode overrides on nodes and restores them.
package modeguard

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

type record struct {
	node     compute.Node
	previous compute.Mode
}

// Stack of mode overrides. The zero value is an empty stack ready to use.
//
// It is not safe for concurrent use.
type Stack struct {
	records []record
}

// Push records the current mode of node and then sets it to mode.
func (s *Stack) Push(node compute.Node, mode compute.Mode) {
	s.records = append(s.records, record{node: node, previous: node.Mode()})
	node.SetMode(mode)
}

// Len returns the number of overrides not yet restored.
func (s *Stack) Len() int {
	return len(s.records)
}

// Restore undoes all overrides in reverse order of Push, so a node overridden twice ends with
// its original mode.
//
// Every record is restored even if some SetMode panics: the panics are collected and returned
// as one error. Calling Restore again is a no-op.
func (s *Stack) Restore() error {
	var failures []string
	for len(s.records) > 0 {
		r := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		if p := exceptions.Try(func() { r.node.SetMode(r.previous) }); p != nil {
			msg := fmt.Sprintf("node %q: %v", r.node.Key(), p)
			klog.Warningf("modeguard: failed to restore mode %s of %s", r.previous, msg)
			failures = append(failures, msg)
		}
	}
	if len(failures) > 0 {
		return errors.Errorf("modeguard.Restore: failed to restore %d mode(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}
