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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
)

// Backoff bounds for contended acquisition. The delay is jittered
// exponentially between these, independent of the caller's timeout.
const (
	backoffInitialInterval = 50 * time.Millisecond
	backoffMaxInterval     = time.Second
)

// Manager manages per-path advisory file locks for safe concurrent
// edits.
//
// # Description
//
// Provides exclusive and shared locking with:
// - Advisory locks via syscall.Flock (Unix) or LockFileEx (Windows)
// - Bounded jittered exponential backoff on contention, up to a
//   per-call timeout
// - Stale lock reclamation via PID checks and an independent staleness
//   threshold
// - A .lock sentinel file per exclusive lock for cross-process
//   visibility; the sentinel never holds user data and is removed on
//   release
// - External change detection on locked files via fsnotify
//
// Shared locks coordinate purely through the OS lock; the sentinel
// tracks exclusive ownership.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple
// goroutines.
type Manager struct {
	cfg       ManagerConfig
	locker    FileLocker
	locks     map[string]*lockEntry
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
	callbacks map[string][]func(ExternalChangeEvent)
	logger    *slog.Logger
}

// lockEntry tracks a lock held by this manager. refs counts shared
// co-holders within the process.
type lockEntry struct {
	file     *os.File
	path     string
	lockPath string
	info     *LockInfo
	refs     int
}

// NewManager creates a new file lock manager.
//
// # Description
//
// Creates a manager with the specified configuration. If CleanupOnInit
// is true, stale locks from crashed processes are cleaned up on
// creation. The platform lock backend is selected here, once.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultManagerConfig() for
//     defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use lock manager.
//   - error: Non-nil if setup fails (e.g., can't create lock directory).
//
// # Example
//
//	config := lock.DefaultManagerConfig()
//	config.SessionID = "sess-abc123"
//	manager, err := lock.NewManager(config)
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LockDir == "" {
		config.LockDir = DefaultManagerConfig().LockDir
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.StaleLockAge == 0 {
		config.StaleLockAge = 10 * time.Second
	}

	if err := os.MkdirAll(config.LockDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	m := &Manager{
		cfg:       config,
		locker:    newFileLocker(),
		locks:     make(map[string]*lockEntry),
		watcher:   watcher,
		callbacks: make(map[string][]func(ExternalChangeEvent)),
		logger:    slog.Default().With("component", "lock.Manager"),
	}

	go m.watchLoop()

	if config.CleanupOnInit {
		cleaned, err := m.CleanupStale()
		if err != nil {
			m.logger.Warn("failed to cleanup stale locks on init",
				"error", err)
		} else if cleaned > 0 {
			m.logger.Info("cleaned up stale locks on init",
				"count", cleaned)
		}
	}

	return m, nil
}

// Acquire acquires a lock on a file, waiting with backoff on
// contention.
//
// # Description
//
// Attempts the lock immediately; on contention, retries in an explicit
// bounded loop with jittered exponential delays until the timeout
// elapses, then fails with ErrLockTimeout. A timed-out acquisition
// causes no mutation and performs no further implicit retries. With
// FailFast configured, contention returns ErrFileLocked immediately.
//
// Stale lock records (dead owner or past the staleness threshold) are
// reclaimed before each attempt.
//
// # Inputs
//
//   - ctx: Cancels the wait between retries.
//   - filePath: Path to the file to lock.
//   - lockType: Exclusive or Shared.
//   - timeout: Wait bound; <= 0 uses the manager default.
//
// # Outputs
//
//   - error: nil on success; ErrLockTimeout after the wait bound;
//     ErrFileLocked under FailFast; ErrInvalidLockType; other errors on
//     system failure.
//
// # Example
//
//	err := manager.Acquire(ctx, "/path/to/file.go", lock.Exclusive, 5*time.Second)
//	if err != nil {
//	    if errors.Is(err, lock.ErrLockTimeout) {
//	        // Retry-able: the holder may release at any time.
//	    }
//	    return err
//	}
//	defer manager.Release("/path/to/file.go")
func (m *Manager) Acquire(ctx context.Context, filePath string, lockType LockType, timeout time.Duration) error {
	if lockType != Exclusive && lockType != Shared {
		return fmt.Errorf("%w: %q", ErrInvalidLockType, lockType)
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialInterval
	bo.MaxInterval = backoffMaxInterval

	for {
		err := m.tryAcquire(absPath, lockType, timeout)
		if err == nil {
			return nil
		}

		var lockErr *FileLockError
		if !errors.As(err, &lockErr) {
			return err
		}
		if m.cfg.FailFast {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &FileLockError{
				Path:   absPath,
				Holder: lockErr.Holder,
				Err:    fmt.Errorf("%w after %s", ErrLockTimeout, timeout),
			}
		}

		delay := bo.NextBackOff()
		if delay > remaining {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// tryAcquire makes one non-blocking acquisition attempt.
func (m *Manager) tryAcquire(absPath string, lockType LockType, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Locks we already hold: shared locks stack, anything involving an
	// exclusive side is contention.
	if entry, ok := m.locks[absPath]; ok {
		if entry.info.Type == Shared && lockType == Shared {
			entry.refs++
			return nil
		}
		return &FileLockError{Path: absPath, Holder: entry.info, Err: ErrFileLocked}
	}

	// Lock directory may have been deleted since init.
	if err := os.MkdirAll(m.cfg.LockDir, 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	lockPath := m.lockPath(absPath)
	if existing, err := m.readLockInfo(lockPath); err == nil && existing != nil {
		compatible := existing.Type == Shared && lockType == Shared
		if !compatible {
			if existing.IsExpired(m.cfg.StaleLockAge) || !IsProcessAlive(existing.PID) {
				m.logger.Info("reclaiming stale lock",
					"path", absPath,
					"old_pid", existing.PID,
					"age", existing.Age().Round(time.Millisecond))
				_ = os.Remove(lockPath)
			} else {
				return &FileLockError{Path: absPath, Holder: existing, Err: ErrFileLocked}
			}
		}
	}

	// O_CREATE so a lock can be taken on a path about to be recreated
	// (restore of a deleted file).
	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening file for lock %s: %w", absPath, err)
	}

	if err := m.locker.Lock(f, lockType); err != nil {
		f.Close()
		if errors.Is(err, ErrFileLocked) {
			return &FileLockError{Path: absPath, Err: ErrFileLocked}
		}
		return fmt.Errorf("acquiring lock on %s: %w", absPath, err)
	}

	info := &LockInfo{
		FilePath:       absPath,
		Type:           lockType,
		PID:            os.Getpid(),
		SessionID:      m.cfg.SessionID,
		AcquiredAt:     time.Now(),
		TimeoutSeconds: timeout.Seconds(),
	}

	if lockType == Exclusive {
		if err := m.writeLockInfo(lockPath, info); err != nil {
			m.locker.Unlock(f)
			f.Close()
			return fmt.Errorf("writing lock info: %w", err)
		}
	}

	m.addWatch(absPath)

	m.locks[absPath] = &lockEntry{
		file:     f,
		path:     absPath,
		lockPath: lockPath,
		info:     info,
		refs:     1,
	}

	m.logger.Debug("acquired lock",
		"path", absPath,
		"type", lockType)

	return nil
}

// Release releases a lock on a file.
//
// # Description
//
// Idempotent: releasing a path this manager does not hold is a no-op.
// Shared locks release when their last in-process holder releases.
// Removes the sentinel file for exclusive locks.
//
// # Inputs
//
//   - filePath: Path used in Acquire.
//
// # Outputs
//
//   - error: nil on success or no-op; non-nil only on path resolution
//     failure.
func (m *Manager) Release(filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[absPath]
	if !ok {
		m.logger.Debug("release of unlocked path is a no-op",
			"path", absPath)
		return nil
	}

	entry.refs--
	if entry.refs > 0 {
		return nil
	}

	m.releaseLockEntry(absPath, entry)
	return nil
}

// releaseLockEntry releases a lock entry (must be called with mu held).
func (m *Manager) releaseLockEntry(absPath string, entry *lockEntry) {
	m.removeWatch(absPath)

	if err := m.locker.Unlock(entry.file); err != nil {
		m.logger.Warn("failed to unlock file",
			"path", absPath,
			"error", err)
	}
	entry.file.Close()

	if entry.info.Type == Exclusive {
		if err := os.Remove(entry.lockPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove lock sentinel",
				"path", entry.lockPath,
				"error", err)
		}
	}

	delete(m.locks, absPath)

	m.logger.Debug("released lock",
		"path", absPath)
}

// WithLock runs fn while holding a lock on filePath.
//
// # Description
//
// Scoped acquisition: the lock is released on every exit path,
// including panics. This is the preferred form for callers that do not
// need to hold a lock across function boundaries.
//
// # Inputs
//
//   - ctx: Cancels the acquisition wait.
//   - filePath: Path to lock.
//   - lockType: Exclusive or Shared.
//   - timeout: Acquisition wait bound; <= 0 uses the manager default.
//   - fn: Function to run under the lock.
//
// # Outputs
//
//   - error: Acquisition error, or fn's error.
func (m *Manager) WithLock(ctx context.Context, filePath string, lockType LockType, timeout time.Duration, fn func() error) error {
	if err := m.Acquire(ctx, filePath, lockType, timeout); err != nil {
		return err
	}
	defer m.Release(filePath)
	return fn()
}

// ReleaseAll releases all locks held by this manager.
//
// # Description
//
// Should be called on session end or manager shutdown. Shared
// refcounts are ignored; every entry is fully released.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, entry := range m.locks {
		m.releaseLockEntry(path, entry)
	}
}

// IsLocked checks if a file is locked by any process.
//
// # Description
//
// Checks our own state first, then exclusive-lock sentinels. Stale
// sentinels (dead owner or past the staleness threshold) report
// unlocked.
//
// # Inputs
//
//   - filePath: Path to check.
//
// # Outputs
//
//   - bool: True if file is locked.
//   - *LockInfo: Information about the lock holder (nil if not locked).
//   - error: Non-nil on failure to check.
func (m *Manager) IsLocked(filePath string) (bool, *LockInfo, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return false, nil, fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	m.mu.Lock()
	if entry, ok := m.locks[absPath]; ok {
		m.mu.Unlock()
		return true, entry.info, nil
	}
	m.mu.Unlock()

	info, err := m.readLockInfo(m.lockPath(absPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if info == nil {
		return false, nil, nil
	}

	if info.IsExpired(m.cfg.StaleLockAge) || !IsProcessAlive(info.PID) {
		return false, nil, nil
	}

	return true, info, nil
}

// CleanupStale removes lock sentinels from dead processes.
//
// # Description
//
// Scans the lock directory for sentinels whose owner has exited or
// whose age passed the staleness threshold, and removes them.
//
// # Outputs
//
//   - int: Number of stale locks cleaned up.
//   - error: Non-nil on failure to scan the directory.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := os.ReadDir(m.cfg.LockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}

		lockPath := filepath.Join(m.cfg.LockDir, entry.Name())
		info, err := m.readLockInfo(lockPath)
		if err != nil || info == nil {
			continue
		}

		if info.IsExpired(m.cfg.StaleLockAge) || !IsProcessAlive(info.PID) {
			m.logger.Info("cleaning up stale lock",
				"path", info.FilePath,
				"pid", info.PID,
				"expired", info.IsExpired(m.cfg.StaleLockAge))
			if err := os.Remove(lockPath); err != nil {
				m.logger.Warn("failed to remove stale lock",
					"path", lockPath,
					"error", err)
			} else {
				cleaned++
			}
		}
	}

	return cleaned, nil
}

// RegisterCallback registers a callback for external file changes.
//
// # Description
//
// The callback is invoked when a locked file is modified by something
// other than the lock holder. Multiple callbacks can be registered for
// the same file.
//
// # Inputs
//
//   - filePath: Path to monitor.
//   - callback: Function to call on change.
func (m *Manager) RegisterCallback(filePath string, callback func(ExternalChangeEvent)) {
	absPath, _ := filepath.Abs(filePath)

	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	m.callbacks[absPath] = append(m.callbacks[absPath], callback)
}

// Close shuts down the lock manager.
//
// # Description
//
// Releases all locks and stops the file watcher. Should be called when
// the manager is no longer needed.
func (m *Manager) Close() error {
	m.ReleaseAll()
	return m.watcher.Close()
}

// =============================================================================
// Internal helpers
// =============================================================================

// lockPath generates the sentinel path for a given file.
// Uses SHA256[:16] for collision resistance.
func (m *Manager) lockPath(absPath string) string {
	hash := sha256.Sum256([]byte(absPath))
	hashStr := hex.EncodeToString(hash[:])[:16]
	return filepath.Join(m.cfg.LockDir, hashStr+".lock")
}

// writeLockInfo writes lock metadata to a JSON sentinel file.
func (m *Manager) writeLockInfo(lockPath string, info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(lockPath, data, 0644)
}

// readLockInfo reads lock metadata from a JSON sentinel file.
func (m *Manager) readLockInfo(lockPath string) (*LockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// addWatch adds a file to the watcher.
func (m *Manager) addWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if err := m.watcher.Add(path); err != nil {
		m.logger.Warn("failed to watch file",
			"path", path,
			"error", err)
	}
}

// removeWatch removes a file from the watcher and drops its callbacks.
func (m *Manager) removeWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if err := m.watcher.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Debug("file was not being watched",
				"path", path)
		}
	}

	delete(m.callbacks, path)
}

// watchLoop handles fsnotify events.
func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("file watcher error",
				"error", err)
		}
	}
}

// handleWatchEvent processes a single fsnotify event.
func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	var changeType ChangeType
	switch {
	case event.Op&fsnotify.Write != 0:
		changeType = ChangeWrite
	case event.Op&fsnotify.Remove != 0:
		changeType = ChangeDelete
	case event.Op&fsnotify.Rename != 0:
		changeType = ChangeRename
	default:
		return
	}

	absPath, _ := filepath.Abs(event.Name)

	m.mu.Lock()
	_, weHoldLock := m.locks[absPath]
	m.mu.Unlock()

	if !weHoldLock {
		return
	}

	m.logger.Debug("change detected on locked file",
		"path", absPath,
		"event", changeType.String())

	m.watcherMu.Lock()
	callbacks := m.callbacks[absPath]
	m.watcherMu.Unlock()

	changeEvent := ExternalChangeEvent{
		Path:      absPath,
		EventType: changeType,
	}

	for _, cb := range callbacks {
		cb(changeEvent)
	}
}
