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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func mustOperation(t *testing.T, path string, content []byte, ttl time.Duration) *EditOperation {
	t.Helper()
	op, err := NewEditOperation(path, content, ttl)
	if err != nil {
		t.Fatalf("NewEditOperation failed: %v", err)
	}
	return op
}

// checkInvariants asserts the accounting invariants after a mutation.
func checkInvariants(t *testing.T, s *Store) {
	t.Helper()

	usage := s.MemoryUsage()
	var sum int64
	for _, info := range s.ListBackups() {
		sum += info.MemorySize
	}
	if usage.CurrentBytes != sum {
		t.Errorf("Accounting drift: currentBytes %d != sum of entries %d", usage.CurrentBytes, sum)
	}
	if usage.CurrentBytes > s.cfg.MaxMemoryBytes {
		t.Errorf("Memory bound violated: %d > %d", usage.CurrentBytes, s.cfg.MaxMemoryBytes)
	}
	if usage.BackupCount > s.cfg.MaxBackups {
		t.Errorf("Count bound violated: %d > %d", usage.BackupCount, s.cfg.MaxBackups)
	}
}

func TestStore_AddGet(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip returns identical content", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		content := []byte("Hello éè World\r\nmixed endings\n")

		op := mustOperation(t, "/tmp/a.txt", content, time.Minute)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		got := s.GetBackup(ctx, "/tmp/a.txt")
		if got == nil {
			t.Fatal("Expected a backup")
		}
		if !bytes.Equal(got.OriginalContent, content) {
			t.Error("Content not byte-identical after round trip")
		}
		checkInvariants(t, s)
	})

	t.Run("miss returns nil without error", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		if got := s.GetBackup(ctx, "/tmp/missing.txt"); got != nil {
			t.Error("Expected nil on miss")
		}
	})

	t.Run("returned operation is a copy", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		op := mustOperation(t, "/tmp/a.txt", []byte("original"), time.Minute)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		first := s.GetBackup(ctx, "/tmp/a.txt")
		first.OriginalContent[0] = 'X'

		second := s.GetBackup(ctx, "/tmp/a.txt")
		if string(second.OriginalContent) != "original" {
			t.Error("Store buffer was aliased by caller mutation")
		}
	})

	t.Run("same path replaces, not stacks", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())

		opA := mustOperation(t, "/tmp/a.txt", []byte("version one"), time.Minute)
		opB := mustOperation(t, "/tmp/a.txt", []byte("v2"), time.Minute)
		if err := s.AddBackup(ctx, opA); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}
		if err := s.AddBackup(ctx, opB); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		usage := s.MemoryUsage()
		if usage.BackupCount != 1 {
			t.Errorf("Expected 1 entry, got %d", usage.BackupCount)
		}
		if usage.CurrentBytes != int64(len("v2")) {
			t.Errorf("Expected accounting for replacement only, got %d bytes", usage.CurrentBytes)
		}
		if got := s.GetBackup(ctx, "/tmp/a.txt"); string(got.OriginalContent) != "v2" {
			t.Error("Expected most-recent snapshot to win")
		}
		checkInvariants(t, s)
	})

	t.Run("relative path is rejected at construction", func(t *testing.T) {
		_, err := NewEditOperation("relative/path.txt", []byte("x"), time.Minute)
		if err == nil {
			t.Error("Expected error for relative path")
		}
	})
}

func TestStore_Limits(t *testing.T) {
	ctx := context.Background()

	t.Run("oversized entry rejected without mutation", func(t *testing.T) {
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   100,
			MaxFileSizeBytes: 10,
			MaxBackups:       10,
			TTL:              time.Minute,
		})

		keeper := mustOperation(t, "/tmp/small.txt", []byte("keep"), time.Minute)
		if err := s.AddBackup(ctx, keeper); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		big := mustOperation(t, "/tmp/big.txt", bytes.Repeat([]byte("x"), 11), time.Minute)
		err := s.AddBackup(ctx, big)
		if !errors.Is(err, ErrEntryTooLarge) {
			t.Fatalf("Expected ErrEntryTooLarge, got: %v", err)
		}

		// The prior entry must be untouched.
		if got := s.GetBackup(ctx, "/tmp/small.txt"); got == nil {
			t.Error("Rejection mutated the store")
		}
		checkInvariants(t, s)
	})

	t.Run("entry exceeding total budget fails cleanly", func(t *testing.T) {
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   10,
			MaxFileSizeBytes: 20,
			MaxBackups:       10,
			TTL:              time.Minute,
		})

		op := mustOperation(t, "/tmp/a.txt", bytes.Repeat([]byte("x"), 15), time.Minute)
		if err := s.AddBackup(ctx, op); !errors.Is(err, ErrMemoryExhausted) {
			t.Fatalf("Expected ErrMemoryExhausted, got: %v", err)
		}
		if usage := s.MemoryUsage(); usage.BackupCount != 0 || usage.CurrentBytes != 0 {
			t.Error("Failed add left partial state")
		}
	})
}

func TestStore_LRUEviction(t *testing.T) {
	ctx := context.Background()

	// A store bounded at 3MB with four 0.8MB snapshots: the fourth add
	// evicts the first, leaving exactly three entries within budget.
	t.Run("memory pressure evicts the least recently used", func(t *testing.T) {
		const entrySize = 800 * 1024 // 0.8MB
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   3 * 1024 * 1024,
			MaxFileSizeBytes: 1024 * 1024,
			MaxBackups:       100,
			TTL:              time.Minute,
		})

		content := bytes.Repeat([]byte("x"), entrySize)
		for i := 1; i <= 4; i++ {
			op := mustOperation(t, fmt.Sprintf("/tmp/file%d.txt", i), content, time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup %d failed: %v", i, err)
			}
			checkInvariants(t, s)
		}

		if got := s.GetBackup(ctx, "/tmp/file1.txt"); got != nil {
			t.Error("Expected oldest entry evicted")
		}
		usage := s.MemoryUsage()
		if usage.BackupCount != 3 {
			t.Errorf("Expected exactly 3 entries, got %d", usage.BackupCount)
		}
		if usage.CurrentBytes != 3*entrySize {
			t.Errorf("Expected %d bytes, got %d", 3*entrySize, usage.CurrentBytes)
		}
	})

	t.Run("get exempts an entry from the next eviction", func(t *testing.T) {
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   1024,
			MaxFileSizeBytes: 512,
			MaxBackups:       3,
			TTL:              time.Minute,
		})

		for i := 1; i <= 3; i++ {
			op := mustOperation(t, fmt.Sprintf("/tmp/f%d.txt", i), []byte("data"), time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup failed: %v", err)
			}
		}

		// Touch the oldest; f2 becomes the LRU victim.
		s.GetBackup(ctx, "/tmp/f1.txt")

		op := mustOperation(t, "/tmp/f4.txt", []byte("data"), time.Minute)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		if got := s.GetBackup(ctx, "/tmp/f1.txt"); got == nil {
			t.Error("Promoted entry should have survived eviction")
		}
		if got := s.GetBackup(ctx, "/tmp/f2.txt"); got != nil {
			t.Error("Expected f2 evicted as the new LRU")
		}
		checkInvariants(t, s)
	})

	t.Run("count bound evicts before memory bound", func(t *testing.T) {
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   1 << 20,
			MaxFileSizeBytes: 1 << 10,
			MaxBackups:       2,
			TTL:              time.Minute,
		})

		for i := 1; i <= 3; i++ {
			op := mustOperation(t, fmt.Sprintf("/tmp/f%d.txt", i), []byte("data"), time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup failed: %v", err)
			}
		}

		usage := s.MemoryUsage()
		if usage.BackupCount != 2 {
			t.Errorf("Expected count bounded to 2, got %d", usage.BackupCount)
		}
		if got := s.GetBackup(ctx, "/tmp/f1.txt"); got != nil {
			t.Error("Expected oldest entry evicted at count bound")
		}
	})

	t.Run("every displaced entry leaves through OnEvict exactly once", func(t *testing.T) {
		departed := make(map[string]int)
		var departedBytes int64
		s := NewStore(StoreConfig{
			MaxMemoryBytes:   1024,
			MaxFileSizeBytes: 512,
			MaxBackups:       100,
			TTL:              time.Minute,
			OnEvict: func(op *EditOperation) {
				departed[op.FilePath]++
				departedBytes += op.MemorySize
			},
		})

		// Same-path replacement displaces the prior snapshot.
		for _, content := range []string{"v1", "v2-longer"} {
			op := mustOperation(t, "/tmp/a.txt", []byte(content), time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup failed: %v", err)
			}
		}
		if departed["/tmp/a.txt"] != 1 {
			t.Errorf("Expected 1 departure for the replaced entry, got %d", departed["/tmp/a.txt"])
		}

		// Memory pressure while re-adding the same path: the prior entry
		// is the LRU victim, and it must not be double-counted as both an
		// eviction and a replacement.
		big := mustOperation(t, "/tmp/a.txt", bytes.Repeat([]byte("x"), 500), time.Minute)
		if err := s.AddBackup(ctx, big); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}
		filler := mustOperation(t, "/tmp/b.txt", bytes.Repeat([]byte("y"), 500), time.Minute)
		if err := s.AddBackup(ctx, filler); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}
		again := mustOperation(t, "/tmp/a.txt", bytes.Repeat([]byte("z"), 500), time.Minute)
		if err := s.AddBackup(ctx, again); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}
		if departed["/tmp/a.txt"] != 3 {
			t.Errorf("Expected 3 departures for /tmp/a.txt total, got %d", departed["/tmp/a.txt"])
		}

		wantDeparted := int64(len("v1")) + int64(len("v2-longer")) + 500
		if departedBytes != wantDeparted {
			t.Errorf("Expected %d departed bytes, got %d", wantDeparted, departedBytes)
		}
		checkInvariants(t, s)
	})
}

func TestStore_RemoveAndCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("remove frees accounted bytes", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		op := mustOperation(t, "/tmp/a.txt", []byte("12345"), time.Minute)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		freed, removed := s.RemoveBackup("/tmp/a.txt")
		if !removed || freed != 5 {
			t.Errorf("Expected removal freeing 5 bytes, got removed=%v freed=%d", removed, freed)
		}
		if _, removed := s.RemoveBackup("/tmp/a.txt"); removed {
			t.Error("Expected second removal to be a no-op")
		}
		checkInvariants(t, s)
	})

	t.Run("cleanup reaps only expired entries", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())

		fresh := mustOperation(t, "/tmp/fresh.txt", []byte("fresh"), time.Hour)
		stale := mustOperation(t, "/tmp/stale.txt", []byte("stale!"), time.Millisecond)
		stale.CreatedAt = time.Now().Add(-time.Second)

		if err := s.AddBackup(ctx, fresh); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}
		if err := s.AddBackup(ctx, stale); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		reaped, freed := s.CleanupExpired(ctx)
		if reaped != 1 {
			t.Errorf("Expected 1 reaped, got %d", reaped)
		}
		if freed != int64(len("stale!")) {
			t.Errorf("Expected %d bytes freed, got %d", len("stale!"), freed)
		}
		if got := s.GetBackup(ctx, "/tmp/fresh.txt"); got == nil {
			t.Error("Fresh entry should survive cleanup")
		}
		checkInvariants(t, s)
	})

	t.Run("marginally expired entry still honored by get", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		op := mustOperation(t, "/tmp/a.txt", []byte("data"), time.Millisecond)
		op.CreatedAt = time.Now().Add(-time.Second)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		if got := s.GetBackup(ctx, "/tmp/a.txt"); got == nil {
			t.Error("Expected expired-but-unreaped entry to be returned")
		}
	})

	t.Run("clear all empties the store", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		for i := 1; i <= 3; i++ {
			op := mustOperation(t, fmt.Sprintf("/tmp/f%d.txt", i), []byte("data"), time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup failed: %v", err)
			}
		}

		freed := s.ClearAll()
		if freed != 12 {
			t.Errorf("Expected 12 bytes freed, got %d", freed)
		}
		usage := s.MemoryUsage()
		if usage.BackupCount != 0 || usage.CurrentBytes != 0 {
			t.Error("Expected empty store after ClearAll")
		}
	})
}

func TestStore_InfoAndList(t *testing.T) {
	ctx := context.Background()

	t.Run("backup info reflects the operation", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		op := mustOperation(t, "/tmp/a.txt", []byte("content"), time.Minute)
		if err := s.AddBackup(ctx, op); err != nil {
			t.Fatalf("AddBackup failed: %v", err)
		}

		info, ok := s.BackupInfo("/tmp/a.txt")
		if !ok {
			t.Fatal("Expected backup info")
		}
		if info.OperationID != op.OperationID {
			t.Errorf("Expected operation ID %s, got %s", op.OperationID, info.OperationID)
		}
		if info.MemorySize != 7 {
			t.Errorf("Expected memory size 7, got %d", info.MemorySize)
		}
		if info.IsExpired {
			t.Error("Fresh backup should not be expired")
		}

		if _, ok := s.BackupInfo("/tmp/missing.txt"); ok {
			t.Error("Expected miss for unknown path")
		}
	})

	t.Run("list returns LRU to MRU order", func(t *testing.T) {
		s := NewStore(DefaultStoreConfig())
		for i := 1; i <= 3; i++ {
			op := mustOperation(t, fmt.Sprintf("/tmp/f%d.txt", i), []byte("data"), time.Minute)
			if err := s.AddBackup(ctx, op); err != nil {
				t.Fatalf("AddBackup failed: %v", err)
			}
		}
		s.GetBackup(ctx, "/tmp/f1.txt")

		infos := s.ListBackups()
		if len(infos) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(infos))
		}
		if infos[0].FilePath != "/tmp/f2.txt" || infos[2].FilePath != "/tmp/f1.txt" {
			t.Errorf("Unexpected recency order: %s .. %s", infos[0].FilePath, infos[2].FilePath)
		}
	})
}

func TestEditStatus_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from EditStatus
		to   EditStatus
		ok   bool
	}{
		{"pending to in_progress", StatusPending, StatusInProgress, true},
		{"in_progress to completed", StatusInProgress, StatusCompleted, true},
		{"completed to rolled_back", StatusCompleted, StatusRolledBack, true},
		{"in_progress to failed", StatusInProgress, StatusFailed, true},
		{"failed is terminal", StatusFailed, StatusInProgress, false},
		{"rolled_back is terminal", StatusRolledBack, StatusCompleted, false},
		{"expired is terminal", StatusExpired, StatusPending, false},
		{"no skipping to completed", StatusPending, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &EditOperation{Status: tt.from}
			err := op.SetStatus(tt.to, "")
			if tt.ok && err != nil {
				t.Errorf("Expected transition %s -> %s allowed, got: %v", tt.from, tt.to, err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Expected ErrInvalidTransition for %s -> %s, got: %v", tt.from, tt.to, err)
				}
				if op.Status != tt.from {
					t.Error("Failed transition mutated status")
				}
			}
		})
	}
}
