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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/AleutianAI/editsafe/backup"
	"github.com/AleutianAI/editsafe/lock"
)

// staleOperationAge flags operations old enough to warrant a mention in
// the recovery report even when their status looks healthy.
const staleOperationAge = time.Hour

// RecoveryReport summarizes a crash-recovery pass.
type RecoveryReport struct {
	Timestamp            time.Time `json:"timestamp"`
	AnalyzedBackups      int       `json:"analyzed_backups"`
	IncompleteOperations int       `json:"incomplete_operations"`
	RecoveredOperations  int       `json:"recovered_operations"`
	FailedRecoveries     int       `json:"failed_recoveries"`
	CleanedBackups       int       `json:"cleaned_backups"`
	Actions              []string  `json:"actions"`
	Recommendations      []string  `json:"recommendations"`
}

// RollbackReport summarizes an emergency rollback pass.
type RollbackReport struct {
	Timestamp       time.Time `json:"timestamp"`
	TotalOperations int       `json:"total_operations"`
	RolledBack      int       `json:"rolled_back"`
	Failed          int       `json:"failed"`
	Warnings        []string  `json:"warnings"`
	Actions         []string  `json:"actions"`
}

// CrashRecovery analyzes cached operations for interruptions and
// settles their statuses.
//
// # Description
//
// Intended after a restart: operations still marked in-progress were
// interrupted mid-edit. For each one, a missing target file drops the
// now-pointless backup; a file whose content still matches the recorded
// pre-edit state is settled as completed (the interrupted write never
// landed); anything else is settled as failed and flagged for manual
// review. Expired backups are reaped at the end. The pass never
// rewrites file content; use RestoreFile or EmergencyRollbackAll for
// that.
//
// # Outputs
//
//   - RecoveryReport: Counts, per-file actions, and recommendations.
func (s *System) CrashRecovery(ctx context.Context) RecoveryReport {
	ctx, span := startEditSpan(ctx, "CrashRecovery", "")
	defer span.End()

	report := RecoveryReport{Timestamp: time.Now()}

	for _, info := range s.store.ListBackups() {
		report.AnalyzedBackups++

		switch {
		case info.Status == backup.StatusInProgress:
			report.IncompleteOperations++
			s.recoverInterrupted(ctx, info.FilePath, &report)
		case info.Duration > staleOperationAge:
			report.Actions = append(report.Actions,
				fmt.Sprintf("stale operation for %s (age %s)",
					info.FilePath, info.Duration.Round(time.Second)))
		}
	}

	if reaped := s.CleanupExpiredBackups(ctx); reaped > 0 {
		report.CleanedBackups += reaped
		report.Actions = append(report.Actions,
			fmt.Sprintf("reaped %d expired backup(s)", reaped))
	}

	if report.IncompleteOperations > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d interrupted operation(s) found, review recommended",
				report.IncompleteOperations))
	}
	if report.FailedRecoveries > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d operation(s) could not be analyzed, manual intervention may be needed",
				report.FailedRecoveries))
	}
	if usage := s.store.MemoryUsage(); usage.UsagePercent > 80 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("backup memory at %.1f%%, consider cleanup", usage.UsagePercent))
	}

	s.logger.Info("crash recovery finished",
		"analyzed", report.AnalyzedBackups,
		"incomplete", report.IncompleteOperations,
		"recovered", report.RecoveredOperations,
		"failed", report.FailedRecoveries)
	return report
}

// recoverInterrupted settles one in-progress operation.
func (s *System) recoverInterrupted(ctx context.Context, absPath string, report *RecoveryReport) {
	op := s.store.GetBackup(ctx, absPath)
	if op == nil {
		return
	}

	if _, err := os.Stat(absPath); errors.Is(err, fs.ErrNotExist) {
		// The file is gone; its backup has nothing left to protect.
		s.RemoveBackup(ctx, absPath)
		report.CleanedBackups++
		report.RecoveredOperations++
		report.Actions = append(report.Actions,
			fmt.Sprintf("dropped backup for missing file %s", absPath))
		return
	}

	current, err := os.ReadFile(absPath)
	if err != nil {
		s.failOperation(absPath, fmt.Errorf("crash recovery: %w", err))
		report.FailedRecoveries++
		report.Actions = append(report.Actions,
			fmt.Sprintf("could not analyze %s: %v", absPath, err))
		return
	}

	switch {
	case op.FileState != nil && op.FileState.Matches(current):
		// Content still matches the recorded pre-edit state, so the
		// interrupted write never landed.
		if err := s.store.UpdateStatus(absPath, backup.StatusCompleted, ""); err == nil {
			report.RecoveredOperations++
			report.Actions = append(report.Actions,
				fmt.Sprintf("settled %s as completed, no changes detected", absPath))
		}
	case op.FileState != nil:
		s.failOperation(absPath, errors.New("crash recovery: file changed during interrupted edit"))
		report.Actions = append(report.Actions,
			fmt.Sprintf("settled %s as failed, content diverged mid-edit", absPath))
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%s changed during an interrupted edit, manual review needed", absPath))
	default:
		s.failOperation(absPath, errors.New("crash recovery: interrupted with no recorded state"))
		report.Actions = append(report.Actions,
			fmt.Sprintf("settled %s as failed, no recorded state", absPath))
	}
}

// EmergencyRollbackAll restores every interrupted or failed operation
// from its snapshot. Last-resort consistency measure.
//
// # Description
//
// Walks the cached operations and rewrites each in-progress or failed
// one from its pre-edit snapshot, skipping files that no longer exist
// and files whose current content diverged from the recorded pre-edit
// state (those get a warning instead of a blind overwrite). Rolled-back
// snapshots are dropped from the store and their memory released.
//
// # Inputs
//
//   - confirm: Must be true; the call refuses to run without it.
//
// # Outputs
//
//   - RollbackReport: Counts, warnings, and per-file actions.
//   - error: ErrConfirmationRequired when confirm is false.
func (s *System) EmergencyRollbackAll(ctx context.Context, confirm bool) (RollbackReport, error) {
	if !confirm {
		return RollbackReport{}, ErrConfirmationRequired
	}

	ctx, span := startEditSpan(ctx, "EmergencyRollbackAll", "")
	defer span.End()

	report := RollbackReport{Timestamp: time.Now()}

	var candidates []string
	for _, info := range s.store.ListBackups() {
		if info.Status == backup.StatusInProgress || info.Status == backup.StatusFailed {
			candidates = append(candidates, info.FilePath)
		}
	}
	report.TotalOperations = len(candidates)

	for _, absPath := range candidates {
		if err := s.rollbackOne(ctx, absPath, &report); err != nil {
			report.Failed++
			report.Actions = append(report.Actions,
				fmt.Sprintf("rollback of %s failed: %v", absPath, err))
		}
	}

	s.logger.Warn("emergency rollback finished",
		"candidates", report.TotalOperations,
		"rolled_back", report.RolledBack,
		"failed", report.Failed)
	return report, nil
}

// rollbackOne restores a single candidate under its file lock.
func (s *System) rollbackOne(ctx context.Context, absPath string, report *RollbackReport) error {
	op := s.store.GetBackup(ctx, absPath)
	if op == nil {
		return nil
	}

	if _, err := os.Stat(absPath); errors.Is(err, fs.ErrNotExist) {
		report.Actions = append(report.Actions,
			fmt.Sprintf("skipped missing file %s", absPath))
		return nil
	}

	return s.locks.WithLock(ctx, absPath, lock.Exclusive, s.cfg.LockTimeout, func() error {
		// For interrupted and failed operations FileState still holds
		// the pre-edit state; a landed half-edit is still close to it,
		// an external rewrite is not.
		if op.FileState != nil {
			current, err := os.ReadFile(absPath)
			if err == nil {
				if ok, reason := op.FileState.CanSafelyRollback(current); !ok {
					report.Warnings = append(report.Warnings,
						fmt.Sprintf("unsafe rollback for %s: %s", absPath, reason))
					return nil
				}
			}
		}

		mode := os.FileMode(0644)
		if op.FileState != nil && op.FileState.Mode != 0 {
			mode = op.FileState.Mode
		}
		if err := writeFileAtomic(absPath, op.OriginalContent, mode); err != nil {
			return err
		}

		// The snapshot served its purpose; drop it and free its share.
		s.RemoveBackup(ctx, absPath)
		report.RolledBack++
		report.Actions = append(report.Actions,
			fmt.Sprintf("rolled back %s", absPath))
		return nil
	})
}
