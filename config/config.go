// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config contains all limits for the safe-edit subsystem.
//
// # Description
//
// Loaded once at startup via Load and validated fail-fast. The values
// bound the in-memory backup store, the per-file size guard, and the
// file-lock protocol.
//
// # Thread Safety
//
// Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// MaxMemoryMB is the total memory budget for backup snapshots.
	MaxMemoryMB int `json:"max_memory_mb" yaml:"max_memory_mb" validate:"gt=0"`

	// MaxFileSizeMB is the largest single file eligible for backup/edit.
	// Must not exceed MaxMemoryMB.
	MaxFileSizeMB int `json:"max_file_size_mb" yaml:"max_file_size_mb" validate:"gt=0"`

	// MaxBackups caps the number of backup entries held at once.
	MaxBackups int `json:"max_backups" yaml:"max_backups" validate:"gt=0"`

	// BackupTimeoutSeconds is the TTL after which a backup is considered
	// expired and eligible for lazy reaping.
	BackupTimeoutSeconds int `json:"backup_timeout_seconds" yaml:"backup_timeout_seconds" validate:"gt=0"`

	// MemoryWarningThreshold is the fraction of MaxMemoryMB at which
	// warning alerts fire. Must be in (0, 1].
	MemoryWarningThreshold float64 `json:"memory_warning_threshold" yaml:"memory_warning_threshold" validate:"gt=0,lte=1"`

	// LockTimeout is the default wait bound for acquiring a file lock.
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`

	// StaleLockAge is the age past which a lock record from a dead or
	// unresponsive owner may be reclaimed. Independent of LockTimeout
	// and normally larger than any single caller's wait.
	StaleLockAge time.Duration `json:"stale_lock_age" yaml:"stale_lock_age" validate:"gt=0"`

	// LockDir is the directory holding lock sentinel files.
	LockDir string `json:"lock_dir" yaml:"lock_dir"`

	// FailFast makes contended lock acquisition return immediately
	// instead of waiting with backoff.
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`
}

// Environment variable names recognized by Load.
const (
	EnvMaxMemoryMB            = "MAX_MEMORY_MB"
	EnvMaxFileSizeMB          = "MAX_FILE_SIZE_MB"
	EnvMaxBackups             = "MAX_BACKUPS"
	EnvBackupTimeoutSeconds   = "BACKUP_TIMEOUT_SECONDS"
	EnvMemoryWarningThreshold = "MEMORY_WARNING_THRESHOLD"
)

// Default returns the default configuration.
//
// # Outputs
//
//   - Config: Defaults chosen from production testing: 50MB total,
//     10MB per file, 1000 entries, 300s backup TTL, 0.8 warning level.
func Default() Config {
	return Config{
		MaxMemoryMB:            50,
		MaxFileSizeMB:          10,
		MaxBackups:             1000,
		BackupTimeoutSeconds:   300,
		MemoryWarningThreshold: 0.8,
		LockTimeout:            30 * time.Second,
		StaleLockAge:           10 * time.Second,
		LockDir:                filepath.Join(os.TempDir(), "editsafe-locks"),
	}
}

// Load builds a Config from defaults, an optional file, and environment
// variables, then validates it.
//
// # Description
//
// Precedence, lowest to highest: Default() < config file < environment.
// Invalid values fail immediately; there is no partial fallback.
//
// # Inputs
//
//   - configPath: Optional path to a YAML or JSON config file. Empty
//     string skips file loading; a missing file is not an error.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: Non-nil on unreadable file, unparsable value, or failed
//     validation.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadFile merges settings from a YAML or JSON file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	}

	return nil
}

// loadEnv merges environment overrides into cfg.
func loadEnv(cfg *Config) error {
	if v := os.Getenv(EnvMaxMemoryMB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvMaxMemoryMB, v, err)
		}
		cfg.MaxMemoryMB = n
	}
	if v := os.Getenv(EnvMaxFileSizeMB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvMaxFileSizeMB, v, err)
		}
		cfg.MaxFileSizeMB = n
	}
	if v := os.Getenv(EnvMaxBackups); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvMaxBackups, v, err)
		}
		cfg.MaxBackups = n
	}
	if v := os.Getenv(EnvBackupTimeoutSeconds); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvBackupTimeoutSeconds, v, err)
		}
		cfg.BackupTimeoutSeconds = n
	}
	if v := os.Getenv(EnvMemoryWarningThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvMemoryWarningThreshold, v, err)
		}
		cfg.MemoryWarningThreshold = f
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration for invalid values.
//
// # Outputs
//
//   - error: Non-nil describing the first invalid field, or the
//     cross-field violation when a single file could never fit in the
//     total memory budget.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.MaxFileSizeMB > c.MaxMemoryMB {
		return fmt.Errorf("max_file_size_mb (%d) cannot exceed max_memory_mb (%d)",
			c.MaxFileSizeMB, c.MaxMemoryMB)
	}

	return nil
}

// BackupTimeout returns the backup TTL as a duration.
func (c Config) BackupTimeout() time.Duration {
	return time.Duration(c.BackupTimeoutSeconds) * time.Second
}

// MaxMemoryBytes returns the total memory budget in bytes.
func (c Config) MaxMemoryBytes() int64 {
	return int64(c.MaxMemoryMB) * 1024 * 1024
}

// MaxFileSizeBytes returns the per-file size guard in bytes.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}
