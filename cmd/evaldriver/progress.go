// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// progress of the evaluations of all runners. It is safe for concurrent use, and a no-op if
// disabled.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(enabled bool, numPasses int) *progress {
	if !enabled {
		return &progress{}
	}
	return &progress{bar: progressbar.NewOptions(numPasses,
		progressbar.OptionSetDescription("evaluating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("passes"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionThrottle(100*time.Millisecond),
	)}
}

// Add n finished passes.
func (p *progress) Add(n int) {
	if p.bar != nil {
		_ = p.bar.Add(n)
	}
}

func (p *progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		_, _ = fmt.Fprintln(os.Stderr)
	}
}
