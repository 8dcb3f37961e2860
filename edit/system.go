// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edit composes the content validator, file lock, memory
// monitor, and backup store into atomic single-file edits, restores,
// and all-or-nothing multi-file batches.
package edit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/editsafe/backup"
	"github.com/AleutianAI/editsafe/config"
	"github.com/AleutianAI/editsafe/lock"
	"github.com/AleutianAI/editsafe/monitor"
	"github.com/AleutianAI/editsafe/validate"
)

// System is the edit orchestrator: the single entry point the tool
// layer and index builder talk to.
//
// # Description
//
// Every mutation follows the same protocol: validate size, take an
// exclusive lock, validate expected content, snapshot the pre-image
// into the backup store, then write atomically (staged temp file plus
// rename, so no partial write is ever externally visible). The file is
// never touched if its backup cannot be taken. Restore replays the
// stored snapshot under the same lock, recreating deleted files.
//
// Systems are explicitly constructed and injectable; there is no
// package-level instance.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Same-path edits serialize
// on the file lock by default; with FailFast configured they fail
// immediately instead.
type System struct {
	cfg     config.Config
	locks   *lock.Manager
	monitor *monitor.Monitor
	store   *backup.Store
	logger  *slog.Logger
}

// FileEdit is one entry of a multi-file batch.
type FileEdit struct {
	Path string

	// ExpectedOld, when non-nil, must match the current content
	// (whitespace-tolerant) before the write proceeds.
	ExpectedOld []byte

	NewContent []byte
}

// Limits reports the configured bounds in a status query.
type Limits struct {
	MaxMemoryMB        int     `json:"max_memory_mb"`
	MaxFileSizeMB      int     `json:"max_file_size_mb"`
	LockTimeoutSeconds float64 `json:"lock_timeout_seconds"`
}

// Status is the system-wide status query result.
type Status struct {
	Memory    monitor.Usage `json:"memory"`
	Backups   backup.Usage  `json:"backups"`
	Limits    Limits        `json:"limits"`
	Timestamp time.Time     `json:"timestamp"`
}

// New creates an edit system from configuration, wiring up the lock
// manager, memory monitor, and backup store.
//
// # Inputs
//
//   - cfg: Validated configuration (see config.Load).
//
// # Outputs
//
//   - *System: Ready-to-use orchestrator. Call Close when done.
//   - error: Non-nil if the lock manager cannot start.
//
// # Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	sys, err := edit.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
func New(cfg config.Config) (*System, error) {
	lockCfg := lock.DefaultManagerConfig()
	lockCfg.LockDir = cfg.LockDir
	lockCfg.DefaultTimeout = cfg.LockTimeout
	lockCfg.StaleLockAge = cfg.StaleLockAge
	lockCfg.FailFast = cfg.FailFast

	locks, err := lock.NewManager(lockCfg)
	if err != nil {
		return nil, fmt.Errorf("creating lock manager: %w", err)
	}

	mon := monitor.NewMonitor(float64(cfg.MaxMemoryMB), monitor.WithThreshold(monitor.Threshold{
		WarningPercent:  cfg.MemoryWarningThreshold * 100,
		CriticalPercent: 90.0,
		// 20MB headroom over the backup budget before hard failure.
		AbsoluteLimitMB: float64(cfg.MaxMemoryMB) + 20.0,
		BackupLimitMB:   float64(cfg.MaxMemoryMB),
	}))

	store := backup.NewStore(backup.StoreConfig{
		MaxMemoryBytes:   cfg.MaxMemoryBytes(),
		MaxFileSizeBytes: cfg.MaxFileSizeBytes(),
		MaxBackups:       cfg.MaxBackups,
		TTL:              cfg.BackupTimeout(),
		// Evicted snapshots give their share back to the monitor.
		OnEvict: func(op *backup.EditOperation) {
			mon.ReleaseOperation(context.Background(), bytesToMB(op.MemorySize))
		},
	})

	return &System{
		cfg:     cfg,
		locks:   locks,
		monitor: mon,
		store:   store,
		logger:  slog.Default().With("component", "edit.System"),
	}, nil
}

// Close releases all locks and stops the lock manager's watcher.
func (s *System) Close() error {
	return s.locks.Close()
}

// Monitor returns the injected memory monitor, for callers that want to
// register alert callbacks.
func (s *System) Monitor() *monitor.Monitor {
	return s.monitor
}

// Locks returns the lock manager, for callers that want external
// change notifications on locked files.
func (s *System) Locks() *lock.Manager {
	return s.locks
}

// ApplyEdit atomically replaces a file's content.
//
// # Description
//
// The single-file edit protocol:
//
//  1. Validate existence and size bounds.
//  2. Acquire an exclusive lock with bounded wait.
//  3. If expectedOld is non-nil, validate it against the current
//     content; a mismatch aborts before any write.
//  4. Snapshot the pre-image into the backup store; if the snapshot
//     cannot be taken, the file is not touched.
//  5. Write newContent via a staged temp file and rename.
//  6. Mark the operation completed and record usage.
//  7. Release the lock, on every path.
//
// The file is observed either untouched or fully replaced, and the
// pre-image stays recoverable while the store retains it.
//
// # Inputs
//
//   - ctx: Cancels the lock wait.
//   - filePath: File to edit. Must exist.
//   - newContent: Full replacement content.
//   - expectedOld: Expected current content, or nil to skip validation.
//
// # Outputs
//
//   - error: nil on success; ErrFileNotFound, ErrFileTooLarge,
//     ErrMemoryLimitExceeded, lock.ErrLockTimeout (retry-able), or a
//     *validate.MismatchError.
func (s *System) ApplyEdit(ctx context.Context, filePath string, newContent, expectedOld []byte) error {
	ctx, span := startEditSpan(ctx, "ApplyEdit", filePath)
	defer span.End()

	start := time.Now()
	err := s.applyEdit(ctx, filePath, newContent, expectedOld)
	recordEdit(ctx, time.Since(start), err == nil)

	if err != nil {
		s.logger.Warn("edit failed",
			"path", filePath,
			"error", err)
	}
	return err
}

func (s *System) applyEdit(ctx context.Context, filePath string, newContent, expectedOld []byte) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	fi, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, absPath)
		}
		return fmt.Errorf("stating %s: %w", absPath, err)
	}
	if fi.Size() > s.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("%w: %s is %.1fMB, limit %dMB",
			ErrFileTooLarge, absPath, float64(fi.Size())/(1<<20), s.cfg.MaxFileSizeMB)
	}
	if int64(len(newContent)) > s.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("%w: new content is %.1fMB, limit %dMB",
			ErrFileTooLarge, float64(len(newContent))/(1<<20), s.cfg.MaxFileSizeMB)
	}

	if err := s.locks.Acquire(ctx, absPath, lock.Exclusive, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(absPath)

	current, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", absPath, err)
	}

	if expectedOld != nil {
		if err := validateExpected(current, expectedOld); err != nil {
			return err
		}
	}

	if err := s.takeSnapshot(ctx, absPath, current, fi); err != nil {
		return err
	}

	if err := writeFileAtomic(absPath, newContent, fi.Mode()); err != nil {
		s.failOperation(absPath, err)
		return fmt.Errorf("%w: %s: %v", ErrPartialWrite, absPath, err)
	}

	s.completeOperation(absPath)
	return nil
}

// ApplyPatch replaces one region of a file, located by search content.
//
// # Description
//
// Uses the content validator's three-stage match (exact, then
// whitespace-normalized at line boundaries, then partial) to find
// search in the file, and splices replacement over the matched region
// of the original bytes. Everything outside the region keeps its exact
// original bytes, line endings included. The write follows the same
// lock/backup/atomic-write protocol as ApplyEdit.
//
// # Outputs
//
//   - error: As ApplyEdit; a *validate.MismatchError when search cannot
//     be located.
func (s *System) ApplyPatch(ctx context.Context, filePath, search, replacement string) error {
	ctx, span := startEditSpan(ctx, "ApplyPatch", filePath)
	defer span.End()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	fi, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, absPath)
		}
		return fmt.Errorf("stating %s: %w", absPath, err)
	}
	if fi.Size() > s.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("%w: %s is %.1fMB, limit %dMB",
			ErrFileTooLarge, absPath, float64(fi.Size())/(1<<20), s.cfg.MaxFileSizeMB)
	}

	if err := s.locks.Acquire(ctx, absPath, lock.Exclusive, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(absPath)

	current, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", absPath, err)
	}

	content := string(current)
	if err := validate.ValidateContentSafely(content, search); err != nil {
		return err
	}
	match, err := validate.FindContentMatch(content, search)
	if err != nil {
		return err
	}
	patched := []byte(validate.ApplyMatch(content, match, replacement))

	if int64(len(patched)) > s.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("%w: patched content is %.1fMB, limit %dMB",
			ErrFileTooLarge, float64(len(patched))/(1<<20), s.cfg.MaxFileSizeMB)
	}

	if err := s.takeSnapshot(ctx, absPath, current, fi); err != nil {
		return err
	}

	start := time.Now()
	if err := writeFileAtomic(absPath, patched, fi.Mode()); err != nil {
		s.failOperation(absPath, err)
		recordEdit(ctx, time.Since(start), false)
		return fmt.Errorf("%w: %s: %v", ErrPartialWrite, absPath, err)
	}

	s.completeOperation(absPath)
	recordEdit(ctx, time.Since(start), true)
	return nil
}

// RestoreFile rewrites a file from its cached pre-edit snapshot.
//
// # Description
//
// Looks up the backup, re-acquires the exclusive lock, and replays the
// stored original content, recreating the file if it was deleted. A
// file modified externally since the edit is left alone. The snapshot
// stays cached afterwards, marked rolled back.
//
// # Outputs
//
//   - error: nil on success; ErrNoBackupAvailable when no snapshot is
//     cached; lock errors as in ApplyEdit.
func (s *System) RestoreFile(ctx context.Context, filePath string) error {
	ctx, span := startEditSpan(ctx, "RestoreFile", filePath)
	defer span.End()

	err := s.restoreFile(ctx, filePath)
	recordRestore(ctx, err == nil)
	return err
}

func (s *System) restoreFile(ctx context.Context, filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	op := s.store.GetBackup(ctx, absPath)
	if op == nil {
		return fmt.Errorf("%w: %s", ErrNoBackupAvailable, absPath)
	}

	// Existence check happens before locking: acquiring the lock
	// creates the file, and a recreated empty file must not be taken
	// for an external modification.
	_, statErr := os.Stat(absPath)
	existed := statErr == nil

	if err := s.locks.Acquire(ctx, absPath, lock.Exclusive, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(absPath)

	// Refuse to clobber changes made by someone else since our edit.
	if existed && op.FileState != nil {
		current, err := os.ReadFile(absPath)
		if err == nil && !op.FileState.Matches(current) {
			return fmt.Errorf("restore refused: %s was modified externally since the edit", absPath)
		}
	}

	mode := os.FileMode(0644)
	if op.FileState != nil && op.FileState.Mode != 0 {
		mode = op.FileState.Mode
	}
	if err := writeFileAtomic(absPath, op.OriginalContent, mode); err != nil {
		return fmt.Errorf("%w: restoring %s: %v", ErrPartialWrite, absPath, err)
	}

	// The snapshot stays cached; refresh its recorded state so a repeat
	// restore of the still-untouched file is not taken for an external
	// modification.
	if state, err := backup.NewFileState(absPath); err == nil {
		s.store.SetFileState(absPath, state)
	}

	if err := s.store.UpdateStatus(absPath, backup.StatusRolledBack, ""); err != nil {
		s.logger.Debug("restore status not updated",
			"path", absPath,
			"error", err)
	}

	s.logger.Info("restored file from backup",
		"path", absPath,
		"operation_id", op.OperationID)
	return nil
}

// EditFilesAtomic applies a batch of edits with all-or-nothing
// semantics.
//
// # Description
//
// Edits apply sequentially in order. On the first validation, lock, or
// write failure, every previously applied edit in this batch is undone
// via RestoreFile in reverse order, and the batch reports the
// triggering error as a *BatchError. There is no filesystem
// transaction; atomicity comes from compensating rollback.
//
// # Outputs
//
//   - error: nil when every edit succeeded; *BatchError otherwise.
func (s *System) EditFilesAtomic(ctx context.Context, edits []FileEdit) error {
	ctx, span := startEditSpan(ctx, "EditFilesAtomic", fmt.Sprintf("%d files", len(edits)))
	defer span.End()

	applied := make([]string, 0, len(edits))

	for i, e := range edits {
		if err := s.ApplyEdit(ctx, e.Path, e.NewContent, e.ExpectedOld); err != nil {
			batchErr := &BatchError{
				FailedPath:  e.Path,
				FailedIndex: i,
				Err:         err,
			}
			for j := len(applied) - 1; j >= 0; j-- {
				if rbErr := s.RestoreFile(ctx, applied[j]); rbErr != nil {
					batchErr.RollbackErrors = append(batchErr.RollbackErrors,
						fmt.Errorf("rollback of %s: %w", applied[j], rbErr))
				}
			}
			recordBatch(ctx, len(edits), false)
			s.logger.Error("batch edit rolled back",
				"failed_path", e.Path,
				"failed_index", i,
				"applied", len(applied),
				"rollback_failures", len(batchErr.RollbackErrors))
			return batchErr
		}
		abs, _ := filepath.Abs(e.Path)
		applied = append(applied, abs)
	}

	recordBatch(ctx, len(edits), true)
	return nil
}

// SystemStatus returns the status query consumed by the tool layer.
func (s *System) SystemStatus() Status {
	return Status{
		Memory:  s.monitor.CurrentUsage(),
		Backups: s.store.MemoryUsage(),
		Limits: Limits{
			MaxMemoryMB:        s.cfg.MaxMemoryMB,
			MaxFileSizeMB:      s.cfg.MaxFileSizeMB,
			LockTimeoutSeconds: s.cfg.LockTimeout.Seconds(),
		},
		Timestamp: time.Now(),
	}
}

// BackupInfo returns the per-operation query for a path.
func (s *System) BackupInfo(filePath string) (backup.Info, bool) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return backup.Info{}, false
	}
	return s.store.BackupInfo(absPath)
}

// ListBackups lists every cached snapshot, least recently used first.
func (s *System) ListBackups() []backup.Info {
	return s.store.ListBackups()
}

// RemoveBackup drops the snapshot for a path and releases its memory.
func (s *System) RemoveBackup(ctx context.Context, filePath string) bool {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return false
	}
	freed, removed := s.store.RemoveBackup(absPath)
	if removed {
		s.monitor.ReleaseOperation(ctx, bytesToMB(freed))
	}
	return removed
}

// CleanupExpiredBackups reaps snapshots past their TTL and releases
// their memory.
func (s *System) CleanupExpiredBackups(ctx context.Context) int {
	reaped, freed := s.store.CleanupExpired(ctx)
	if freed > 0 {
		s.monitor.ReleaseOperation(ctx, bytesToMB(freed))
	}
	return reaped
}

// ClearAllBackups drops every snapshot. Emergency use.
func (s *System) ClearAllBackups(ctx context.Context) {
	freed := s.store.ClearAll()
	if freed > 0 {
		s.monitor.ReleaseOperation(ctx, bytesToMB(freed))
	}
	s.logger.Warn("cleared all backups",
		"freed_bytes", freed)
}

// takeSnapshot caches the pre-image and accounts for it. The file is
// never written if this fails.
func (s *System) takeSnapshot(ctx context.Context, absPath string, current []byte, fi os.FileInfo) error {
	op, err := backup.NewEditOperation(absPath, current, s.store.TTL())
	if err != nil {
		return err
	}
	op.FileState = &backup.FileState{
		Path:     absPath,
		Checksum: backup.Checksum(current),
		Size:     int64(len(current)),
		ModTime:  fi.ModTime(),
		Mode:     fi.Mode(),
	}

	// Any prior snapshot this add displaces, same-path replacement
	// included, gives its share back through the store's OnEvict hook.
	if err := s.store.AddBackup(ctx, op); err != nil {
		if errors.Is(err, backup.ErrEntryTooLarge) || errors.Is(err, backup.ErrMemoryExhausted) {
			return fmt.Errorf("%w: %v", ErrMemoryLimitExceeded, err)
		}
		return err
	}

	if err := s.store.UpdateStatus(absPath, backup.StatusInProgress, ""); err != nil {
		return err
	}
	s.monitor.RecordOperation(ctx, bytesToMB(op.MemorySize), "backup")
	return nil
}

// completeOperation records the post-write state for rollback
// validation and marks the operation done.
func (s *System) completeOperation(absPath string) {
	if state, err := backup.NewFileState(absPath); err == nil {
		s.store.SetFileState(absPath, state)
	} else {
		// Without a post-write state, restore skips external-change
		// validation rather than blocking rollback.
		s.store.SetFileState(absPath, nil)
	}

	if err := s.store.UpdateStatus(absPath, backup.StatusCompleted, ""); err != nil {
		s.logger.Debug("completion status not updated",
			"path", absPath,
			"error", err)
	}
}

// failOperation marks the cached operation failed after a write error.
func (s *System) failOperation(absPath string, cause error) {
	if err := s.store.UpdateStatus(absPath, backup.StatusFailed, cause.Error()); err != nil {
		s.logger.Debug("failure status not updated",
			"path", absPath,
			"error", err)
	}
}

// validateExpected compares expected pre-edit content against the
// file's actual content, tolerating whitespace differences.
func validateExpected(current, expected []byte) error {
	if bytes.Equal(current, expected) {
		return nil
	}

	currentStr, expectedStr := string(current), string(expected)
	if err := validate.ValidateContentSafely(currentStr, expectedStr); err != nil {
		return err
	}
	if validate.NormalizeWhitespace(currentStr) == validate.NormalizeWhitespace(expectedStr) {
		return nil
	}

	return &validate.MismatchError{
		Expected: expectedStr,
		Actual:   currentStr,
		Detail:   "expected pre-edit content does not match file content",
	}
}

// writeFileAtomic stages data in a temp file beside path and renames it
// into place, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".editsafe-*")
	if err != nil {
		return fmt.Errorf("staging temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// bytesToMB converts a byte count to fractional megabytes.
func bytesToMB(b int64) float64 {
	return float64(b) / (1 << 20)
}
