// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor provides aggregate memory accounting with threshold
// alerts for the in-memory backup system.
//
// The monitor tracks usage that callers explicitly record and release;
// it does not sample process RSS. This keeps the numbers deterministic
// and exactly equal to what the backup store is accountable for.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultHistorySize bounds the snapshot history ring.
const defaultHistorySize = 100

// AlertLevel classifies a threshold alert.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Threshold configures the alert levels.
//
// # Description
//
// The absolute process limit and the backup-specific limit are distinct
// knobs: AbsoluteLimitMB bounds everything the monitor accounts for,
// BackupLimitMB bounds the backup store's share. The percentage levels
// apply against both the configured maximum and the backup limit.
type Threshold struct {
	WarningPercent  float64
	CriticalPercent float64
	AbsoluteLimitMB float64
	BackupLimitMB   float64
}

// DefaultThreshold returns production threshold defaults.
func DefaultThreshold() Threshold {
	return Threshold{
		WarningPercent:  80.0,
		CriticalPercent: 90.0,
		AbsoluteLimitMB: 100.0,
		BackupLimitMB:   50.0,
	}
}

// CheckWarning reports whether usage is at or past the warning level.
func (t Threshold) CheckWarning(currentMB, maxMB float64) bool {
	return currentMB > maxMB*(t.WarningPercent/100) ||
		currentMB > t.BackupLimitMB*(t.WarningPercent/100)
}

// CheckCritical reports whether usage is at or past the critical level.
func (t Threshold) CheckCritical(currentMB, maxMB float64) bool {
	return currentMB > maxMB*(t.CriticalPercent/100) ||
		currentMB > t.BackupLimitMB*(t.CriticalPercent/100)
}

// CheckAbsolute reports whether usage exceeds the hard limit.
func (t Threshold) CheckAbsolute(currentMB float64) bool {
	return currentMB > t.AbsoluteLimitMB
}

// Snapshot is one point in the usage history.
type Snapshot struct {
	Timestamp time.Time
	UsageMB   float64
}

// Alert carries threshold alert context to registered callbacks.
type Alert struct {
	Level        AlertLevel
	Message      string
	Operation    string
	CurrentMB    float64
	MaxMB        float64
	UsagePercent float64
	Timestamp    time.Time
}

// Usage reports the current accounting state.
type Usage struct {
	CurrentMB    float64
	MaxMB        float64
	UsagePercent float64
	PeakMB       float64
	Timestamp    time.Time
}

// Trend summarizes usage movement over a time window.
type Trend struct {
	TrendPercent float64
	AvgMB        float64
	MinMB        float64
	MaxMB        float64
	SampleCount  int
}

// Monitor tracks aggregate memory usage with level-triggered alerts.
//
// # Description
//
// RecordOperation adds usage, updates the peak, appends a bounded
// history entry, and evaluates the thresholds; a registered callback is
// invoked each time a threshold is met, not only on the crossing
// transition. ReleaseOperation decrements usage, floored at zero.
//
// Monitors are explicitly constructed and injected; there is no
// package-level global.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Callbacks run synchronously
// under the caller's goroutine but outside the monitor's mutex.
type Monitor struct {
	maxMemoryMB float64
	threshold   Threshold
	historySize int

	mu        sync.Mutex
	currentMB float64
	peakMB    float64
	history   []Snapshot
	callbacks []func(Alert)

	logger *slog.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithThreshold overrides the default alert thresholds.
func WithThreshold(t Threshold) Option {
	return func(m *Monitor) { m.threshold = t }
}

// WithHistorySize overrides the bounded history length.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// NewMonitor creates a memory monitor bounded at maxMemoryMB.
//
// # Example
//
//	mon := monitor.NewMonitor(50, monitor.WithThreshold(monitor.Threshold{
//	    WarningPercent:  80,
//	    CriticalPercent: 95,
//	    AbsoluteLimitMB: 100,
//	    BackupLimitMB:   50,
//	}))
func NewMonitor(maxMemoryMB float64, opts ...Option) *Monitor {
	m := &Monitor{
		maxMemoryMB: maxMemoryMB,
		threshold:   DefaultThreshold(),
		historySize: defaultHistorySize,
		logger:      slog.Default().With("component", "monitor.Monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAlertCallback registers a callback for threshold alerts.
func (m *Monitor) RegisterAlertCallback(cb func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// RecordOperation adds usage for an operation and evaluates thresholds.
//
// # Inputs
//
//   - ctx: Carries metric context.
//   - sizeMB: Memory added by the operation.
//   - label: Operation label for alerts and metrics (e.g. "backup").
func (m *Monitor) RecordOperation(ctx context.Context, sizeMB float64, label string) {
	m.mu.Lock()
	m.currentMB += sizeMB
	if m.currentMB > m.peakMB {
		m.peakMB = m.currentMB
	}
	m.appendSnapshot()
	alerts := m.evaluateThresholds(label)
	m.mu.Unlock()

	recordMemoryOperation(ctx, "record", sizeMB)
	m.dispatch(ctx, alerts)
}

// ReleaseOperation removes usage for a completed operation. Usage never
// goes below zero.
func (m *Monitor) ReleaseOperation(ctx context.Context, sizeMB float64) {
	m.mu.Lock()
	m.currentMB -= sizeMB
	if m.currentMB < 0 {
		m.currentMB = 0
	}
	m.appendSnapshot()
	m.mu.Unlock()

	recordMemoryOperation(ctx, "release", sizeMB)
}

// CheckLimits reports whether current usage permits another operation.
//
// # Description
//
// Absolute and critical violations fail the check and fire a critical
// alert. A warning-level violation fires an alert but does not fail.
//
// # Outputs
//
//   - bool: True if usage is within limits.
//   - string: Violation description when the check fails, "" otherwise.
func (m *Monitor) CheckLimits(ctx context.Context, label string) (bool, string) {
	m.mu.Lock()
	alerts := m.evaluateThresholds(label)
	m.mu.Unlock()

	m.dispatch(ctx, alerts)

	for _, a := range alerts {
		if a.Level == LevelCritical {
			return false, a.Message
		}
	}
	return true, ""
}

// CurrentUsage returns the current accounting state.
func (m *Monitor) CurrentUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Usage{
		CurrentMB:    m.currentMB,
		MaxMB:        m.maxMemoryMB,
		UsagePercent: m.usagePercentLocked(),
		PeakMB:       m.peakMB,
		Timestamp:    time.Now(),
	}
}

// MemoryTrend analyzes usage movement over the given window.
//
// # Description
//
// Compares the first and last snapshots within the window. Fewer than
// two samples yields a zero trend.
func (m *Monitor) MemoryTrend(window time.Duration) Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var recent []Snapshot
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			recent = append(recent, s)
		}
	}
	if len(recent) < 2 {
		return Trend{}
	}

	t := Trend{
		MinMB:       recent[0].UsageMB,
		MaxMB:       recent[0].UsageMB,
		SampleCount: len(recent),
	}
	var sum float64
	for _, s := range recent {
		sum += s.UsageMB
		if s.UsageMB < t.MinMB {
			t.MinMB = s.UsageMB
		}
		if s.UsageMB > t.MaxMB {
			t.MaxMB = s.UsageMB
		}
	}
	t.AvgMB = sum / float64(len(recent))

	first, last := recent[0].UsageMB, recent[len(recent)-1].UsageMB
	if first > 0 {
		t.TrendPercent = (last - first) / first * 100
	}
	return t
}

// ResetPeak resets peak tracking to the current usage.
func (m *Monitor) ResetPeak() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peakMB = m.currentMB
}

// appendSnapshot records the current usage in the bounded history.
// Caller must hold mu.
func (m *Monitor) appendSnapshot() {
	m.history = append(m.history, Snapshot{
		Timestamp: time.Now(),
		UsageMB:   m.currentMB,
	})
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

// evaluateThresholds builds the alerts for the current usage level.
// Caller must hold mu; dispatch happens outside the lock.
func (m *Monitor) evaluateThresholds(label string) []Alert {
	now := time.Now()

	mkAlert := func(level AlertLevel, msg string) Alert {
		return Alert{
			Level:        level,
			Message:      msg,
			Operation:    label,
			CurrentMB:    m.currentMB,
			MaxMB:        m.maxMemoryMB,
			UsagePercent: m.usagePercentLocked(),
			Timestamp:    now,
		}
	}

	switch {
	case m.threshold.CheckAbsolute(m.currentMB):
		return []Alert{mkAlert(LevelCritical, fmt.Sprintf(
			"absolute memory limit exceeded: %.1fMB > %.1fMB",
			m.currentMB, m.threshold.AbsoluteLimitMB))}

	case m.threshold.CheckCritical(m.currentMB, m.maxMemoryMB):
		return []Alert{mkAlert(LevelCritical, fmt.Sprintf(
			"critical memory threshold: %.1fMB (%.1f%%)",
			m.currentMB, m.usagePercentLocked()))}

	case m.threshold.CheckWarning(m.currentMB, m.maxMemoryMB):
		return []Alert{mkAlert(LevelWarning, fmt.Sprintf(
			"memory usage warning: %.1fMB (%.1f%%)",
			m.currentMB, m.usagePercentLocked()))}
	}
	return nil
}

// usagePercentLocked computes usage relative to the configured maximum.
// Caller must hold mu.
func (m *Monitor) usagePercentLocked() float64 {
	if m.maxMemoryMB <= 0 {
		return 0
	}
	return m.currentMB / m.maxMemoryMB * 100
}

// dispatch invokes callbacks for each alert. Callback panics are
// contained so a bad handler cannot break accounting.
func (m *Monitor) dispatch(ctx context.Context, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}

	m.mu.Lock()
	callbacks := make([]func(Alert), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, a := range alerts {
		recordMemoryAlert(ctx, string(a.Level))

		switch a.Level {
		case LevelCritical:
			m.logger.Error("memory alert",
				"message", a.Message,
				"operation", a.Operation)
		default:
			m.logger.Warn("memory alert",
				"message", a.Message,
				"operation", a.Operation)
		}

		for _, cb := range callbacks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("alert callback panicked",
							"panic", r)
					}
				}()
				cb(a)
			}()
		}
	}
}
