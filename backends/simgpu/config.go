// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgpu

import (
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

// Config of the emulated accelerator.
type Config struct {
	// H2DLatency and D2HLatency are added to every host to device and device to host copy.
	H2DLatency, D2HLatency time.Duration

	// LaunchLatency is added to every kernel launch, before the kernel runs.
	LaunchLatency time.Duration

	// Workers is the number of kernels that can run at the same time.
	Workers int
}

// DefaultConfig has no latencies and one worker per CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU()}
}

// ParseConfig parses a configuration string with comma-separated "key=value" pairs.
// Keys are "h2d_latency", "d2h_latency" and "launch_latency" (Go durations, e.g. "50us")
// and "workers" (an integer). Missing keys take the values of DefaultConfig.
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return c, compute.Configurationf("simgpu: invalid configuration %q: expected \"key=value\", got %q", config, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case "h2d_latency":
			c.H2DLatency, err = time.ParseDuration(value)
		case "d2h_latency":
			c.D2HLatency, err = time.ParseDuration(value)
		case "launch_latency":
			c.LaunchLatency, err = time.ParseDuration(value)
		case "workers":
			c.Workers, err = strconv.Atoi(value)
		default:
			return c, compute.Configurationf("simgpu: unknown configuration key %q in %q", key, config)
		}
		if err != nil {
			return c, compute.Configurationf("simgpu: invalid value for %q in %q: %v", key, config, err)
		}
	}
	return c, nil
}
