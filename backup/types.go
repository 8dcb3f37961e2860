// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup implements the memory-bounded LRU backup store. Each
// file path holds at most one pre-edit snapshot; snapshots live only in
// memory and are never written to disk.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// EditStatus tracks an edit operation through its lifecycle.
type EditStatus string

const (
	StatusPending    EditStatus = "pending"
	StatusInProgress EditStatus = "in_progress"
	StatusCompleted  EditStatus = "completed"
	StatusFailed     EditStatus = "failed"
	StatusRolledBack EditStatus = "rolled_back"
	StatusExpired    EditStatus = "expired"
)

// statusTransitions defines the allowed forward moves. Terminal states
// (failed, rolled_back, expired) have no successors; resurrecting one
// requires a new operation.
var statusTransitions = map[EditStatus][]EditStatus{
	StatusPending:    {StatusInProgress, StatusFailed, StatusExpired},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusRolledBack, StatusExpired},
	StatusCompleted:  {StatusRolledBack, StatusExpired},
}

// CanTransitionTo reports whether the move to next is allowed.
func (s EditStatus) CanTransitionTo(next EditStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Sentinel errors for store operations.
var (
	// ErrEntryTooLarge indicates a single snapshot exceeds the per-file
	// size limit; the store is left untouched.
	ErrEntryTooLarge = errors.New("backup entry exceeds per-file size limit")

	// ErrMemoryExhausted indicates the snapshot cannot fit even after
	// evicting every other entry.
	ErrMemoryExhausted = errors.New("backup memory limit exceeded")

	// ErrInvalidTransition indicates a status move that would resurrect
	// a terminal operation.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// FileState snapshots file metadata at backup time for rollback
// validation.
type FileState struct {
	Path     string
	Checksum string
	Size     int64
	ModTime  time.Time
	Mode     os.FileMode
}

// NewFileState captures the state of an existing file.
//
// # Inputs
//
//   - path: File to snapshot. Must exist.
//
// # Outputs
//
//   - *FileState: Checksum, size, mtime, and mode of the file.
//   - error: Non-nil if the file cannot be read.
func NewFileState(path string) (*FileState, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file state %s: %w", absPath, err)
	}

	fi, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stating file %s: %w", absPath, err)
	}

	return &FileState{
		Path:     absPath,
		Checksum: Checksum(data),
		Size:     int64(len(data)),
		ModTime:  fi.ModTime(),
		Mode:     fi.Mode(),
	}, nil
}

// Matches reports whether content hashes to this state's checksum.
func (s *FileState) Matches(content []byte) bool {
	return Checksum(content) == s.Checksum
}

// CanSafelyRollback reports whether overwriting content with the
// snapshot this state belongs to is safe, with a reason when it is not.
//
// Exact-match content is always safe. Beyond that, a size swing of more
// than 10% of either side suggests an external rewrite rather than the
// edit this state recorded, and rollback would clobber someone else's
// work.
func (s *FileState) CanSafelyRollback(content []byte) (bool, string) {
	if s.Matches(content) {
		return true, ""
	}

	cur := int64(len(content))
	diff := s.Size - cur
	if diff < 0 {
		diff = -diff
	}
	larger := s.Size
	if cur > larger {
		larger = cur
	}
	if larger > 0 && diff*10 > larger {
		return false, fmt.Sprintf("size changed significantly: %d -> %d bytes", s.Size, cur)
	}
	return true, ""
}

// Checksum hashes content the way FileState records it.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EditOperation is one in-flight or cached edit with its pre-edit
// snapshot.
//
// # Description
//
// Created the instant a backup is taken, before any mutation.
// OriginalContent is exclusively owned by the store once the operation
// is added; MemorySize always equals len(OriginalContent).
type EditOperation struct {
	OperationID     string
	FilePath        string
	OriginalContent []byte
	Status          EditStatus
	CreatedAt       time.Time
	MemorySize      int64
	FileState       *FileState
	ErrorMessage    string
	Timeout         time.Duration
}

// NewEditOperation creates a pending operation holding a snapshot of
// content for filePath.
//
// # Inputs
//
//   - filePath: Must be absolute.
//   - content: Pre-edit file content; the operation takes its own copy.
//   - timeout: TTL after which the backup is eligible for reaping.
//
// # Outputs
//
//   - *EditOperation: Pending operation with a fresh UUID.
//   - error: Non-nil if filePath is not absolute.
func NewEditOperation(filePath string, content []byte, timeout time.Duration) (*EditOperation, error) {
	if !filepath.IsAbs(filePath) {
		return nil, fmt.Errorf("file path must be absolute: %s", filePath)
	}

	owned := make([]byte, len(content))
	copy(owned, content)

	return &EditOperation{
		OperationID:     uuid.NewString(),
		FilePath:        filePath,
		OriginalContent: owned,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
		MemorySize:      int64(len(owned)),
		Timeout:         timeout,
	}, nil
}

// SetStatus moves the operation to a new status.
//
// # Outputs
//
//   - error: ErrInvalidTransition if the move would leave a terminal
//     state.
func (op *EditOperation) SetStatus(next EditStatus, errorMessage string) error {
	if !op.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
	}
	op.Status = next
	if errorMessage != "" {
		op.ErrorMessage = errorMessage
	}
	return nil
}

// Duration returns how long ago the operation was created.
func (op *EditOperation) Duration() time.Duration {
	return time.Since(op.CreatedAt)
}

// IsExpired reports whether the operation outlived its TTL.
func (op *EditOperation) IsExpired() bool {
	return op.Timeout > 0 && op.Duration() > op.Timeout
}

// clone returns a read-only copy: callers get their own content buffer,
// never an alias into the store.
func (op *EditOperation) clone() *EditOperation {
	cp := *op
	cp.OriginalContent = make([]byte, len(op.OriginalContent))
	copy(cp.OriginalContent, op.OriginalContent)
	if op.FileState != nil {
		fs := *op.FileState
		cp.FileState = &fs
	}
	return &cp
}

// Info is the queryable view of a cached operation.
type Info struct {
	OperationID  string        `json:"operation_id"`
	FilePath     string        `json:"file_path"`
	Status       EditStatus    `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	MemorySize   int64         `json:"memory_size"`
	Duration     time.Duration `json:"duration_seconds"`
	IsExpired    bool          `json:"is_expired"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// info builds the queryable view.
func (op *EditOperation) info() Info {
	return Info{
		OperationID:  op.OperationID,
		FilePath:     op.FilePath,
		Status:       op.Status,
		CreatedAt:    op.CreatedAt,
		MemorySize:   op.MemorySize,
		Duration:     op.Duration(),
		IsExpired:    op.IsExpired(),
		ErrorMessage: op.ErrorMessage,
	}
}
