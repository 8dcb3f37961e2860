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
	"testing"
	"time"
)

func TestMonitor_RecordRelease(t *testing.T) {
	t.Run("record adds usage and updates peak", func(t *testing.T) {
		m := NewMonitor(50)
		ctx := context.Background()

		m.RecordOperation(ctx, 10, "backup")
		m.RecordOperation(ctx, 5, "backup")

		usage := m.CurrentUsage()
		if usage.CurrentMB != 15 {
			t.Errorf("Expected 15MB current, got %.1f", usage.CurrentMB)
		}
		if usage.PeakMB != 15 {
			t.Errorf("Expected 15MB peak, got %.1f", usage.PeakMB)
		}
		if usage.MaxMB != 50 {
			t.Errorf("Expected 50MB max, got %.1f", usage.MaxMB)
		}
		if usage.UsagePercent != 30 {
			t.Errorf("Expected 30%% usage, got %.1f", usage.UsagePercent)
		}
	})

	t.Run("release floors at zero", func(t *testing.T) {
		m := NewMonitor(50)
		ctx := context.Background()

		m.RecordOperation(ctx, 5, "backup")
		m.ReleaseOperation(ctx, 20)

		usage := m.CurrentUsage()
		if usage.CurrentMB != 0 {
			t.Errorf("Expected usage floored at 0, got %.1f", usage.CurrentMB)
		}
	})

	t.Run("peak survives release until reset", func(t *testing.T) {
		m := NewMonitor(50)
		ctx := context.Background()

		m.RecordOperation(ctx, 20, "backup")
		m.ReleaseOperation(ctx, 20)

		if peak := m.CurrentUsage().PeakMB; peak != 20 {
			t.Errorf("Expected peak 20, got %.1f", peak)
		}

		m.ResetPeak()
		if peak := m.CurrentUsage().PeakMB; peak != 0 {
			t.Errorf("Expected peak reset to current (0), got %.1f", peak)
		}
	})
}

func TestMonitor_Alerts(t *testing.T) {
	t.Run("warning fires each time the threshold is met", func(t *testing.T) {
		m := NewMonitor(10, WithThreshold(Threshold{
			WarningPercent:  80,
			CriticalPercent: 95,
			AbsoluteLimitMB: 100,
			BackupLimitMB:   10,
		}))
		ctx := context.Background()

		var mu sync.Mutex
		var alerts []Alert
		m.RegisterAlertCallback(func(a Alert) {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
		})

		m.RecordOperation(ctx, 8.5, "backup")
		m.RecordOperation(ctx, 0.1, "backup")

		mu.Lock()
		defer mu.Unlock()
		if len(alerts) != 2 {
			t.Fatalf("Expected level-triggered alert on both records, got %d", len(alerts))
		}
		for _, a := range alerts {
			if a.Level != LevelWarning {
				t.Errorf("Expected warning level, got %s", a.Level)
			}
		}
	})

	t.Run("critical fails the limit check", func(t *testing.T) {
		m := NewMonitor(10, WithThreshold(Threshold{
			WarningPercent:  80,
			CriticalPercent: 90,
			AbsoluteLimitMB: 100,
			BackupLimitMB:   10,
		}))
		ctx := context.Background()

		m.RecordOperation(ctx, 9.5, "backup")

		ok, msg := m.CheckLimits(ctx, "backup")
		if ok {
			t.Error("Expected limit check to fail at critical usage")
		}
		if msg == "" {
			t.Error("Expected violation message")
		}
	})

	t.Run("absolute limit overrides percentages", func(t *testing.T) {
		m := NewMonitor(1000, WithThreshold(Threshold{
			WarningPercent:  80,
			CriticalPercent: 90,
			AbsoluteLimitMB: 30,
			BackupLimitMB:   1000,
		}))
		ctx := context.Background()

		m.RecordOperation(ctx, 35, "index")

		ok, msg := m.CheckLimits(ctx, "index")
		if ok {
			t.Error("Expected failure past absolute limit")
		}
		if msg == "" {
			t.Error("Expected violation message")
		}
	})

	t.Run("under threshold passes quietly", func(t *testing.T) {
		m := NewMonitor(50)
		ctx := context.Background()

		fired := false
		m.RegisterAlertCallback(func(Alert) { fired = true })

		m.RecordOperation(ctx, 1, "backup")
		ok, msg := m.CheckLimits(ctx, "backup")
		if !ok || msg != "" {
			t.Errorf("Expected clean check, got ok=%v msg=%q", ok, msg)
		}
		if fired {
			t.Error("Expected no alert under threshold")
		}
	})

	t.Run("callback panic does not break accounting", func(t *testing.T) {
		m := NewMonitor(10, WithThreshold(Threshold{
			WarningPercent:  50,
			CriticalPercent: 95,
			AbsoluteLimitMB: 100,
			BackupLimitMB:   10,
		}))
		ctx := context.Background()

		m.RegisterAlertCallback(func(Alert) { panic("bad handler") })

		m.RecordOperation(ctx, 8, "backup")
		if usage := m.CurrentUsage().CurrentMB; usage != 8 {
			t.Errorf("Expected usage 8 after panicking callback, got %.1f", usage)
		}
	})
}

func TestMonitor_Trend(t *testing.T) {
	t.Run("fewer than two samples yields zero trend", func(t *testing.T) {
		m := NewMonitor(50)

		trend := m.MemoryTrend(5 * time.Minute)
		if trend.SampleCount != 0 || trend.TrendPercent != 0 {
			t.Errorf("Expected empty trend, got %+v", trend)
		}
	})

	t.Run("rising usage shows positive trend", func(t *testing.T) {
		m := NewMonitor(50)
		ctx := context.Background()

		m.RecordOperation(ctx, 10, "backup")
		m.RecordOperation(ctx, 10, "backup")

		trend := m.MemoryTrend(5 * time.Minute)
		if trend.SampleCount != 2 {
			t.Fatalf("Expected 2 samples, got %d", trend.SampleCount)
		}
		if trend.TrendPercent != 100 {
			t.Errorf("Expected +100%% trend (10 -> 20), got %.1f", trend.TrendPercent)
		}
		if trend.MinMB != 10 || trend.MaxMB != 20 {
			t.Errorf("Expected min 10 max 20, got min %.1f max %.1f", trend.MinMB, trend.MaxMB)
		}
		if trend.AvgMB != 15 {
			t.Errorf("Expected avg 15, got %.1f", trend.AvgMB)
		}
	})

	t.Run("history is bounded", func(t *testing.T) {
		m := NewMonitor(50, WithHistorySize(5))
		ctx := context.Background()

		for i := 0; i < 20; i++ {
			m.RecordOperation(ctx, 0.1, "backup")
		}

		trend := m.MemoryTrend(5 * time.Minute)
		if trend.SampleCount != 5 {
			t.Errorf("Expected history bounded to 5, got %d", trend.SampleCount)
		}
	})
}

func TestMonitor_ConcurrentAccounting(t *testing.T) {
	m := NewMonitor(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordOperation(ctx, 1, "backup")
				m.ReleaseOperation(ctx, 1)
			}
		}()
	}
	wg.Wait()

	if usage := m.CurrentUsage().CurrentMB; usage != 0 {
		t.Errorf("Expected balanced usage 0, got %.1f", usage)
	}
}
