// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

// LockType selects the sharing mode of a file lock.
type LockType string

const (
	// Exclusive locks exclude all other holders.
	Exclusive LockType = "exclusive"

	// Shared locks coexist with other shared holders but not with an
	// exclusive one.
	Shared LockType = "shared"
)

// Sentinel errors for lock operations.
var (
	// ErrFileLocked indicates the file is locked by another holder.
	ErrFileLocked = errors.New("file is locked by another process")

	// ErrLockTimeout indicates acquisition gave up after its wait
	// bound. Retry-able: the holder may release at any time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrInvalidLockType indicates a lock type other than exclusive or
	// shared.
	ErrInvalidLockType = errors.New("invalid lock type")
)

// LockInfo describes a held lock, persisted as the JSON sentinel file.
//
// The sentinel never holds user data; it exists for cross-process
// visibility and stale-lock reclamation.
type LockInfo struct {
	FilePath   string    `json:"file_path"`
	Type       LockType  `json:"lock_type"`
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`

	// TimeoutSeconds records the wait bound the holder acquired with.
	// Informational; staleness is judged against StaleLockAge.
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Age returns how long the lock has been held.
func (i *LockInfo) Age() time.Duration {
	return time.Since(i.AcquiredAt)
}

// IsExpired reports whether the lock record is older than the staleness
// threshold.
//
// # Description
//
// The threshold is independent of — and normally larger than — any
// single caller's wait timeout. A record past it whose owner process is
// dead is eligible for forced reclamation.
func (i *LockInfo) IsExpired(threshold time.Duration) bool {
	return i.Age() > threshold
}

// FileLockError reports a failed acquisition with holder context.
type FileLockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

// Error formats the failure, naming the current holder when known.
func (e *FileLockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock failed for %s: %v (held by pid %d since %s)",
			e.Path, e.Err, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lock failed for %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying sentinel error.
func (e *FileLockError) Unwrap() error {
	return e.Err
}

// ChangeType classifies an external modification to a locked file.
type ChangeType int

const (
	ChangeWrite ChangeType = iota
	ChangeDelete
	ChangeRename
)

// String returns a human-readable name for the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeWrite:
		return "write"
	case ChangeDelete:
		return "delete"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ExternalChangeEvent reports that a locked file was modified by
// something other than the lock holder.
type ExternalChangeEvent struct {
	Path      string
	EventType ChangeType
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir holds the lock sentinel files.
	LockDir string

	// SessionID identifies this manager in sentinel files.
	SessionID string

	// DefaultTimeout bounds Acquire calls that pass no explicit
	// timeout.
	DefaultTimeout time.Duration

	// StaleLockAge is the reclamation threshold for abandoned lock
	// records. Distinct from DefaultTimeout.
	StaleLockAge time.Duration

	// FailFast makes contended acquisition return immediately instead
	// of retrying with backoff.
	FailFast bool

	// CleanupOnInit removes stale locks from crashed processes when the
	// manager is created.
	CleanupOnInit bool
}

// DefaultManagerConfig returns a config with production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LockDir:        ".editsafe/locks",
		DefaultTimeout: 30 * time.Second,
		StaleLockAge:   10 * time.Second,
		CleanupOnInit:  true,
	}
}
