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
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StoreConfig bounds a Store.
type StoreConfig struct {
	// MaxMemoryBytes caps the total bytes of cached snapshots.
	MaxMemoryBytes int64

	// MaxFileSizeBytes caps a single snapshot. Must not exceed
	// MaxMemoryBytes.
	MaxFileSizeBytes int64

	// MaxBackups caps the number of cached entries.
	MaxBackups int

	// TTL is the default lifetime of a cached snapshot. Expired entries
	// are reaped lazily by CleanupExpired, never mid-access.
	TTL time.Duration

	// OnEvict, when set, is invoked for each entry AddBackup displaces,
	// whether by LRU eviction or by a same-path replacement (not
	// explicit removal or TTL reaping). Every entry leaves through it
	// exactly once. Runs with the store mutex held; it must not call
	// back into the store.
	OnEvict func(*EditOperation)
}

// DefaultStoreConfig returns production store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxMemoryBytes:   50 * 1024 * 1024,
		MaxFileSizeBytes: 10 * 1024 * 1024,
		MaxBackups:       1000,
		TTL:              300 * time.Second,
	}
}

// Store holds one pre-edit snapshot per file path with LRU eviction.
//
// # Description
//
// A bounded in-memory cache: map from path to its single most-recent
// EditOperation plus a recency list. Adding a backup for a path that
// already has one replaces it. When memory or count bounds would be
// exceeded, least-recently-used entries are evicted until the new entry
// fits; eviction never fails the caller. An entry that cannot fit even
// in an empty store is rejected outright.
//
// Invariants, held after every mutation:
//   - currentBytes equals the sum of MemorySize over cached entries
//   - currentBytes <= MaxMemoryBytes
//   - entry count <= MaxBackups
//
// # Thread Safety
//
// One mutex guards the cache, the recency list, and the byte counter as
// a single unit; no caller observes a half-applied update. Content
// buffers are exclusively owned by the store; GetBackup returns a copy.
type Store struct {
	cfg StoreConfig

	mu           sync.Mutex
	cache        map[string]*list.Element
	accessOrder  *list.List
	currentBytes int64

	logger *slog.Logger
}

// NewStore creates a backup store with the given bounds.
//
// # Example
//
//	store := backup.NewStore(backup.StoreConfig{
//	    MaxMemoryBytes:   50 << 20,
//	    MaxFileSizeBytes: 10 << 20,
//	    MaxBackups:       1000,
//	    TTL:              5 * time.Minute,
//	})
func NewStore(cfg StoreConfig) *Store {
	def := DefaultStoreConfig()
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = def.MaxFileSizeBytes
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	return &Store{
		cfg:         cfg,
		cache:       make(map[string]*list.Element),
		accessOrder: list.New(),
		logger:      slog.Default().With("component", "backup.Store"),
	}
}

// AddBackup caches a snapshot, evicting LRU entries to make room.
//
// # Description
//
// A snapshot larger than the per-file limit is rejected immediately
// without mutating the store. Otherwise entries are evicted from the
// LRU head until both the memory and count bounds admit the new entry.
// If the snapshot still cannot fit after evicting everything, the add
// fails cleanly. On success the entry lands at the MRU tail.
//
// # Outputs
//
//   - error: nil on success; ErrEntryTooLarge or ErrMemoryExhausted on
//     rejection.
func (s *Store) AddBackup(ctx context.Context, op *EditOperation) error {
	if op.MemorySize > s.cfg.MaxFileSizeBytes {
		return fmt.Errorf("%w: %d bytes > %d bytes (%s)",
			ErrEntryTooLarge, op.MemorySize, s.cfg.MaxFileSizeBytes, op.FilePath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ensureSpaceLocked(ctx, op.MemorySize) {
		return fmt.Errorf("%w: need %d bytes, limit %d bytes",
			ErrMemoryExhausted, op.MemorySize, s.cfg.MaxMemoryBytes)
	}

	// One backup per path: a new snapshot replaces the old one. The
	// displaced entry leaves through OnEvict like any eviction, so the
	// caller's accounting sees each departure exactly once.
	if elem, ok := s.cache[op.FilePath]; ok {
		replaced := elem.Value.(*EditOperation)
		s.removeElementLocked(elem)
		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(replaced)
		}
	}

	elem := s.accessOrder.PushBack(op)
	s.cache[op.FilePath] = elem
	s.currentBytes += op.MemorySize

	recordBackupAdd(ctx, op.MemorySize)
	return nil
}

// GetBackup returns the cached snapshot for a path and promotes it to
// most-recently-used.
//
// # Description
//
// A miss returns nil without error. The returned operation is a copy;
// mutating it does not affect the stored entry. An entry marginally
// past its TTL is still returned; reaping is explicit.
func (s *Store) GetBackup(ctx context.Context, filePath string) *EditOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[filePath]
	if !ok {
		recordBackupLookup(ctx, false)
		return nil
	}

	s.accessOrder.MoveToBack(elem)
	recordBackupLookup(ctx, true)
	return elem.Value.(*EditOperation).clone()
}

// UpdateStatus moves a cached operation to a new status.
//
// # Outputs
//
//   - error: ErrInvalidTransition on a disallowed move; nil when the
//     path has no backup (nothing to update).
func (s *Store) UpdateStatus(filePath string, next EditStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[filePath]
	if !ok {
		return nil
	}
	return elem.Value.(*EditOperation).SetStatus(next, errorMessage)
}

// SetFileState replaces the recorded file state for a cached
// operation. Used after a successful write so restore validation
// compares against the post-edit state. A miss is a no-op.
func (s *Store) SetFileState(filePath string, fs *FileState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.cache[filePath]; ok {
		elem.Value.(*EditOperation).FileState = fs
	}
}

// RemoveBackup removes the snapshot for a path.
//
// # Outputs
//
//   - int64: Bytes freed; 0 when the path had no backup.
//   - bool: True if an entry was removed.
func (s *Store) RemoveBackup(filePath string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[filePath]
	if !ok {
		return 0, false
	}
	freed := elem.Value.(*EditOperation).MemorySize
	s.removeElementLocked(elem)
	return freed, true
}

// CleanupExpired reaps entries past their TTL.
//
// # Outputs
//
//   - int: Number of entries reaped.
//   - int64: Total bytes freed.
func (s *Store) CleanupExpired(ctx context.Context) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*list.Element
	for elem := s.accessOrder.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*EditOperation).IsExpired() {
			expired = append(expired, elem)
		}
	}

	var freed int64
	for _, elem := range expired {
		op := elem.Value.(*EditOperation)
		// Best effort; a terminal operation stays terminal.
		_ = op.SetStatus(StatusExpired, "")
		freed += op.MemorySize
		s.removeElementLocked(elem)
		recordBackupExpiry(ctx)
	}

	if len(expired) > 0 {
		s.logger.Debug("reaped expired backups",
			"count", len(expired),
			"freed_bytes", freed)
	}
	return len(expired), freed
}

// ClearAll removes every cached snapshot.
//
// # Outputs
//
//   - int64: Total bytes freed.
func (s *Store) ClearAll() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	freed := s.currentBytes
	s.cache = make(map[string]*list.Element)
	s.accessOrder.Init()
	s.currentBytes = 0
	return freed
}

// Usage reports the store's accounting state.
type Usage struct {
	CurrentBytes int64   `json:"current_bytes"`
	CurrentMB    float64 `json:"current_mb"`
	MaxMB        float64 `json:"max_mb"`
	UsagePercent float64 `json:"usage_percent"`
	BackupCount  int     `json:"backup_count"`
	MaxBackups   int     `json:"max_backups"`
}

// MemoryUsage returns the current accounting state.
func (s *Store) MemoryUsage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxMB := float64(s.cfg.MaxMemoryBytes) / (1 << 20)
	currentMB := float64(s.currentBytes) / (1 << 20)

	var pct float64
	if maxMB > 0 {
		pct = currentMB / maxMB * 100
	}

	return Usage{
		CurrentBytes: s.currentBytes,
		CurrentMB:    currentMB,
		MaxMB:        maxMB,
		UsagePercent: pct,
		BackupCount:  len(s.cache),
		MaxBackups:   s.cfg.MaxBackups,
	}
}

// BackupInfo returns the queryable view for a path, or false on a miss.
// Does not promote the entry.
func (s *Store) BackupInfo(filePath string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[filePath]
	if !ok {
		return Info{}, false
	}
	return elem.Value.(*EditOperation).info(), true
}

// ListBackups returns the view of every cached entry in LRU-to-MRU
// order.
func (s *Store) ListBackups() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, s.accessOrder.Len())
	for elem := s.accessOrder.Front(); elem != nil; elem = elem.Next() {
		infos = append(infos, elem.Value.(*EditOperation).info())
	}
	return infos
}

// TTL returns the store's default snapshot lifetime.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL
}

// ensureSpaceLocked evicts LRU entries until needBytes fits within both
// bounds. Returns false if the bytes cannot fit even in an empty store.
// Caller must hold mu.
func (s *Store) ensureSpaceLocked(ctx context.Context, needBytes int64) bool {
	if needBytes > s.cfg.MaxMemoryBytes {
		return false
	}

	for s.currentBytes+needBytes > s.cfg.MaxMemoryBytes || len(s.cache) >= s.cfg.MaxBackups {
		front := s.accessOrder.Front()
		if front == nil {
			return false
		}
		evicted := front.Value.(*EditOperation)
		s.removeElementLocked(front)
		recordBackupEviction(ctx)
		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(evicted)
		}
		s.logger.Debug("evicted LRU backup",
			"path", evicted.FilePath,
			"freed_bytes", evicted.MemorySize)
	}
	return true
}

// removeElementLocked unlinks an entry and updates accounting. Caller
// must hold mu.
func (s *Store) removeElementLocked(elem *list.Element) {
	op := elem.Value.(*EditOperation)
	s.accessOrder.Remove(elem)
	delete(s.cache, op.FilePath)
	s.currentBytes -= op.MemorySize
	if s.currentBytes < 0 {
		s.currentBytes = 0
	}
}
