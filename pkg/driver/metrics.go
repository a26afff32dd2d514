// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gomlx/evaldriver/pkg/core/compute"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "evaluations_total",
			Help:      "Total number of evaluation passes",
		},
		[]string{"batch_mode"},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "pass_duration_seconds",
			Help:      "Duration of successful evaluation passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 14),
		},
	)

	nodeEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "node_evaluations_total",
			Help:      "Total number of node evaluations",
		},
		[]string{"device"},
	)

	transferSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "transfer_seconds_total",
			Help:      "Total time spent copying values between host and accelerator",
		},
		[]string{"direction"},
	)

	deviceErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "device_errors_total",
			Help:      "Total number of passes failed by an accelerator error",
		},
	)

	resimulationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "resimulations_total",
			Help:      "Total number of times the placement strategy was run",
		},
	)

	bufferPoolHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "buffer_pool_hits_total",
			Help:      "Total number of host buffers reused from the pool",
		},
	)

	bufferPoolMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evaldriver",
			Subsystem: "driver",
			Name:      "buffer_pool_misses_total",
			Help:      "Total number of host buffers allocated",
		},
	)
)

// Children of the vectors used in the evaluation loop, resolved once: WithLabelValues hashes
// the labels and may allocate on every call.
var (
	evaluationsByBatchMode  [compute.BatchModeGPU + 1]prometheus.Counter
	nodeEvaluationsByDevice [compute.DeviceGPU + 1]prometheus.Counter
	h2dSecondsTotal         = transferSecondsTotal.WithLabelValues("h2d")
	d2hSecondsTotal         = transferSecondsTotal.WithLabelValues("d2h")
)

func init() {
	prometheus.MustRegister(evaluationsTotal, passDuration, nodeEvaluationsTotal, transferSecondsTotal,
		deviceErrorsTotal, resimulationsTotal, bufferPoolHitsTotal, bufferPoolMissesTotal)
	for mode := range evaluationsByBatchMode {
		evaluationsByBatchMode[mode] = evaluationsTotal.WithLabelValues(compute.BatchMode(mode).String())
	}
	for device := range nodeEvaluationsByDevice {
		nodeEvaluationsByDevice[device] = nodeEvaluationsTotal.WithLabelValues(compute.Device(device).String())
	}
}

func evaluationsCounter(mode compute.BatchMode) prometheus.Counter {
	if mode >= 0 && int(mode) < len(evaluationsByBatchMode) {
		return evaluationsByBatchMode[mode]
	}
	return evaluationsTotal.WithLabelValues(mode.String())
}

func nodeEvaluationsCounter(device compute.Device) prometheus.Counter {
	if device >= 0 && int(device) < len(nodeEvaluationsByDevice) {
		return nodeEvaluationsByDevice[device]
	}
	return nodeEvaluationsTotal.WithLabelValues(device.String())
}
