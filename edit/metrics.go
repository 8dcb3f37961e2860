// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for edit operations.
var (
	tracer = otel.Tracer("editsafe.edit")
	meter  = otel.Meter("editsafe.edit")
)

// Metrics for edit operations.
var (
	editTotal    metric.Int64Counter
	editLatency  metric.Float64Histogram
	restoreTotal metric.Int64Counter
	batchTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		editTotal, err = meter.Int64Counter(
			"edits_total",
			metric.WithDescription("Total number of single-file edit attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		editLatency, err = meter.Float64Histogram(
			"edit_duration_seconds",
			metric.WithDescription("Duration of single-file edit operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		restoreTotal, err = meter.Int64Counter(
			"restores_total",
			metric.WithDescription("Total number of restore attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchTotal, err = meter.Int64Counter(
			"batch_edits_total",
			metric.WithDescription("Total number of multi-file batch attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordEdit records one edit attempt and its latency.
func recordEdit(ctx context.Context, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	editTotal.Add(ctx, 1, attrs)
	editLatency.Record(ctx, duration.Seconds(), attrs)
}

// recordRestore records one restore attempt.
func recordRestore(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	restoreTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("success", success)),
	)
}

// recordBatch records one batch attempt.
func recordBatch(ctx context.Context, size int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	batchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Int("batch_size", size),
	))
}

// startEditSpan creates a span for an edit operation.
func startEditSpan(ctx context.Context, operation, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "System."+operation,
		trace.WithAttributes(
			attribute.String("edit.operation", operation),
			attribute.String("edit.path", path),
		),
	)
}
