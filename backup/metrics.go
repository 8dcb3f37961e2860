// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for store operations.
var meter = otel.Meter("editsafe.backup")

// Metrics for store operations.
var (
	backupAdds      metric.Int64Counter
	backupAddBytes  metric.Int64Histogram
	backupLookups   metric.Int64Counter
	backupEvictions metric.Int64Counter
	backupExpiries  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		backupAdds, err = meter.Int64Counter(
			"backup_adds_total",
			metric.WithDescription("Total number of snapshots added to the store"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupAddBytes, err = meter.Int64Histogram(
			"backup_add_size_bytes",
			metric.WithDescription("Size of snapshots added to the store"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupLookups, err = meter.Int64Counter(
			"backup_lookups_total",
			metric.WithDescription("Total number of snapshot lookups"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupEvictions, err = meter.Int64Counter(
			"backup_evictions_total",
			metric.WithDescription("Total number of LRU evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupExpiries, err = meter.Int64Counter(
			"backup_expiries_total",
			metric.WithDescription("Total number of TTL expiries reaped"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBackupAdd records a successful store insertion.
func recordBackupAdd(ctx context.Context, sizeBytes int64) {
	if err := initMetrics(); err != nil {
		return
	}
	backupAdds.Add(ctx, 1)
	backupAddBytes.Record(ctx, sizeBytes)
}

// recordBackupLookup records a cache hit or miss.
func recordBackupLookup(ctx context.Context, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	backupLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

// recordBackupEviction records one LRU eviction.
func recordBackupEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	backupEvictions.Add(ctx, 1)
}

// recordBackupExpiry records one TTL reap.
func recordBackupExpiry(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	backupExpiries.Add(ctx, 1)
}
