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
	"errors"
	"fmt"
)

// Sentinel errors for edit operations. LockTimeout surfaces from the
// lock package unchanged; it is the retry-able kind, everything here is
// not.
var (
	// ErrFileNotFound indicates the target file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileTooLarge indicates the file exceeds the per-file size
	// limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrMemoryLimitExceeded indicates the backup could not fit even
	// after eviction; the file was not touched.
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

	// ErrNoBackupAvailable indicates a restore was requested for a path
	// with no cached snapshot.
	ErrNoBackupAvailable = errors.New("no backup available")

	// ErrPartialWrite indicates a write failed after mutation started.
	// The atomic write path makes this unreachable for the target file
	// itself; it can still surface from the staging step.
	ErrPartialWrite = errors.New("partial write failure")

	// ErrConfirmationRequired guards EmergencyRollbackAll against
	// accidental invocation.
	ErrConfirmationRequired = errors.New("emergency rollback requires explicit confirmation")
)

// BatchError reports a failed multi-file batch: which edit triggered
// the failure and how the compensating rollback went.
type BatchError struct {
	// FailedPath is the file whose edit triggered the rollback.
	FailedPath string

	// FailedIndex is that edit's position in the batch.
	FailedIndex int

	// Err is the triggering error.
	Err error

	// RollbackErrors holds per-path restore failures, empty when the
	// rollback fully succeeded.
	RollbackErrors []error
}

// Error formats the batch failure with rollback context.
func (e *BatchError) Error() string {
	if len(e.RollbackErrors) > 0 {
		return fmt.Sprintf("batch edit failed at %s (index %d): %v; %d rollback failure(s)",
			e.FailedPath, e.FailedIndex, e.Err, len(e.RollbackErrors))
	}
	return fmt.Sprintf("batch edit failed at %s (index %d): %v; prior edits rolled back",
		e.FailedPath, e.FailedIndex, e.Err)
}

// Unwrap exposes the triggering error.
func (e *BatchError) Unwrap() error {
	return e.Err
}
