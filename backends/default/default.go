// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default accelerator backends, namely the emulated "simgpu".
//
// To use it simply include:
//
//	import _ "github.com/gomlx/evaldriver/backends/default"
package _default

import (
	_ "github.com/gomlx/evaldriver/backends/simgpu"
)
