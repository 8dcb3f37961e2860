// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for memory accounting.
var meter = otel.Meter("editsafe.monitor")

// Metrics for memory operations.
var (
	memoryOperations metric.Int64Counter
	memoryOperatedMB metric.Float64Histogram
	memoryAlerts     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		memoryOperations, err = meter.Int64Counter(
			"memory_operations_total",
			metric.WithDescription("Total number of record/release memory operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		memoryOperatedMB, err = meter.Float64Histogram(
			"memory_operation_size_mb",
			metric.WithDescription("Size of recorded/released memory operations"),
			metric.WithUnit("MBy"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		memoryAlerts, err = meter.Int64Counter(
			"memory_alerts_total",
			metric.WithDescription("Total number of memory threshold alerts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordMemoryOperation records a record/release accounting event.
func recordMemoryOperation(ctx context.Context, kind string, sizeMB float64) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	memoryOperations.Add(ctx, 1, attrs)
	memoryOperatedMB.Record(ctx, sizeMB, attrs)
}

// recordMemoryAlert records a threshold alert.
func recordMemoryAlert(ctx context.Context, level string) {
	if err := initMetrics(); err != nil {
		return
	}
	memoryAlerts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("level", level)),
	)
}
