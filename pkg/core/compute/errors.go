// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import "github.com/pkg/errors"

// Error kinds returned by the driver and its collaborators. They are wrapped with context,
// so use errors.Is to check for them.
var (
	// ErrConfiguration is returned for a malformed graph or normalization context, or a
	// query that doesn't match the graph (e.g.: GetVal on a top node with batch output).
	ErrConfiguration = errors.New("configuration error")

	// ErrDataBinding is returned when the bound data doesn't cover the graph: missing
	// data for an observable, or mismatched lengths.
	ErrDataBinding = errors.New("data binding error")

	// ErrDevice is returned for accelerator allocation, transfer or execution failures.
	ErrDevice = errors.New("device error")
)

// Configurationf returns an error of kind ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// DataBindingf returns an error of kind ErrDataBinding with the formatted message.
func DataBindingf(format string, args ...any) error {
	return errors.Wrapf(ErrDataBinding, format, args...)
}

// Devicef returns an error of kind ErrDevice with the formatted message.
func Devicef(format string, args ...any) error {
	return errors.Wrapf(ErrDevice, format, args...)
}
