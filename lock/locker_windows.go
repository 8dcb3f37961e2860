// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"

	"golang.org/x/sys/windows"
)

// WindowsFileLocker implements FileLocker using LockFileEx.
//
// # Description
//
// Uses golang.org/x/sys/windows.LockFileEx over the whole file range.
// FAIL_IMMEDIATELY keeps the attempt non-blocking, matching the Unix
// backend; shared locks omit the exclusive flag.
//
// # Thread Safety
//
// Safe for concurrent use on different files.
type WindowsFileLocker struct{}

// Lock acquires a lock using LockFileEx.
//
// # Inputs
//
//   - f: Open file handle to lock.
//   - lockType: Exclusive or Shared.
//
// # Outputs
//
//   - error: nil on success, ErrFileLocked on contention.
func (l *WindowsFileLocker) Lock(f *os.File, lockType LockType) error {
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if lockType == Exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, ^uint32(0), ^uint32(0), ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return ErrFileLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock using UnlockFileEx.
func (l *WindowsFileLocker) Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
	if err == windows.ERROR_NOT_LOCKED {
		return nil
	}
	return err
}

// isProcessAlive checks if a process exists using OpenProcess.
func isProcessAlive(pid int) bool {
	const stillActive = 259

	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// newPlatformLocker returns a Windows-specific file locker.
func newPlatformLocker() FileLocker {
	return &WindowsFileLocker{}
}
