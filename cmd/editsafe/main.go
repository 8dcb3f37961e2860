// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command editsafe exposes the safe file-edit subsystem from the shell.
//
// Usage:
//
//	editsafe status
//	editsafe edit <file> <content-file>
//	editsafe restore <file>
//	editsafe backups
//	editsafe cleanup
//	editsafe recover
//	editsafe rollback-all -confirm
//
// Edits are atomic: the pre-image is snapshotted into the in-memory
// backup store before the write, the target is locked against other
// processes, and no partial write is ever visible on disk.
//
// Configuration comes from the environment (MAX_MEMORY_MB,
// MAX_FILE_SIZE_MB, MAX_BACKUPS, BACKUP_TIMEOUT_SECONDS,
// MEMORY_WARNING_THRESHOLD), optionally seeded from a YAML or JSON
// file via -config.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/editsafe/config"
	"github.com/AleutianAI/editsafe/edit"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	expectedPath := flag.String("expected", "", "File holding the expected pre-edit content (edit only)")
	confirm := flag.Bool("confirm", false, "Confirm emergency rollback (rollback-all only)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("invalid configuration: %v", err)
	}

	sys, err := edit.New(cfg)
	if err != nil {
		fatal("startup failed: %v", err)
	}
	defer sys.Close()

	ctx := context.Background()

	switch cmd := flag.Arg(0); cmd {
	case "status":
		printJSON(sys.SystemStatus())

	case "edit":
		if flag.NArg() != 3 {
			fatal("usage: editsafe edit <file> <content-file>")
		}
		newContent, err := os.ReadFile(flag.Arg(2))
		if err != nil {
			fatal("reading content file: %v", err)
		}
		var expected []byte
		if *expectedPath != "" {
			if expected, err = os.ReadFile(*expectedPath); err != nil {
				fatal("reading expected content file: %v", err)
			}
		}
		if err := sys.ApplyEdit(ctx, flag.Arg(1), newContent, expected); err != nil {
			fatal("edit failed: %v", err)
		}
		fmt.Printf("edited %s\n", flag.Arg(1))

	case "restore":
		if flag.NArg() != 2 {
			fatal("usage: editsafe restore <file>")
		}
		if err := sys.RestoreFile(ctx, flag.Arg(1)); err != nil {
			fatal("restore failed: %v", err)
		}
		fmt.Printf("restored %s\n", flag.Arg(1))

	case "backups":
		printJSON(sys.ListBackups())

	case "cleanup":
		reaped := sys.CleanupExpiredBackups(ctx)
		stale, err := sys.Locks().CleanupStale()
		if err != nil {
			fatal("stale lock cleanup failed: %v", err)
		}
		fmt.Printf("reaped %d expired backup(s), %d stale lock(s)\n", reaped, stale)

	case "recover":
		printJSON(sys.CrashRecovery(ctx))

	case "rollback-all":
		report, err := sys.EmergencyRollbackAll(ctx, *confirm)
		if err != nil {
			fatal("%v (pass -confirm to proceed)", err)
		}
		printJSON(report)

	default:
		fatal("unknown command %q", cmd)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "editsafe: "+format+"\n", args...)
	os.Exit(1)
}
