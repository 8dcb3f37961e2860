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
	"os"
)

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Provides a unified interface for advisory file locking across Unix
// and Windows. Unix uses syscall.Flock, Windows uses LockFileEx. The
// backend is selected once when the Manager is constructed, never
// branched per call.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
// Locking the same file handle from multiple goroutines is undefined
// behavior.
type FileLocker interface {
	// Lock acquires a lock on the file in the requested mode.
	//
	// # Description
	//
	// Non-blocking: returns immediately if the lock cannot be acquired.
	// Shared locks coexist with other shared locks; an exclusive lock
	// excludes everything.
	//
	// # Inputs
	//
	//   - f: Open file handle to lock.
	//   - lockType: Exclusive or Shared.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if already locked
	//     incompatibly.
	Lock(f *os.File, lockType LockType) error

	// Unlock releases the lock on the file.
	//
	// # Description
	//
	// Releases a previously acquired lock. Safe to call even if not
	// locked.
	//
	// # Inputs
	//
	//   - f: Open file handle to unlock.
	//
	// # Outputs
	//
	//   - error: nil on success, error on system failure.
	Unlock(f *os.File) error
}

// IsProcessAlive checks if a process with the given PID is still
// running.
//
// # Description
//
// Used for stale lock detection. On Unix, uses kill -0.
// On Windows, uses OpenProcess.
//
// # Inputs
//
//   - pid: Process ID to check.
//
// # Outputs
//
//   - bool: True if process exists, false otherwise.
//
// # Platform Notes
//
// This function is implemented in platform-specific files.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// newFileLocker creates a platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
