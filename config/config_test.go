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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 50, cfg.MaxMemoryMB)
	assert.Equal(t, 10, cfg.MaxFileSizeMB)
	assert.Equal(t, 1000, cfg.MaxBackups)
	assert.Equal(t, 300, cfg.BackupTimeoutSeconds)
	assert.InDelta(t, 0.8, cfg.MemoryWarningThreshold, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxMemoryMB, "100")
	t.Setenv(EnvMaxFileSizeMB, "20")
	t.Setenv(EnvMaxBackups, "50")
	t.Setenv(EnvBackupTimeoutSeconds, "60")
	t.Setenv(EnvMemoryWarningThreshold, "0.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.MaxMemoryMB)
	assert.Equal(t, 20, cfg.MaxFileSizeMB)
	assert.Equal(t, 50, cfg.MaxBackups)
	assert.Equal(t, 60, cfg.BackupTimeoutSeconds)
	assert.InDelta(t, 0.5, cfg.MemoryWarningThreshold, 1e-9)
}

func TestLoad_InvalidEnvFailsFast(t *testing.T) {
	t.Setenv(EnvMaxMemoryMB, "not-a-number")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxMemoryMB)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editsafe.yaml")
	yamlContent := "max_memory_mb: 200\nmax_file_size_mb: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.MaxMemoryMB)
	assert.Equal(t, 25, cfg.MaxFileSizeMB)
	// Untouched fields keep defaults.
	assert.Equal(t, 1000, cfg.MaxBackups)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxMemoryMB, cfg.MaxMemoryMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero memory budget",
			mutate:  func(c *Config) { c.MaxMemoryMB = 0 },
			wantErr: "invalid config",
		},
		{
			name:    "negative backups",
			mutate:  func(c *Config) { c.MaxBackups = -1 },
			wantErr: "invalid config",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.MemoryWarningThreshold = 1.5 },
			wantErr: "invalid config",
		},
		{
			name:    "threshold zero",
			mutate:  func(c *Config) { c.MemoryWarningThreshold = 0 },
			wantErr: "invalid config",
		},
		{
			name:    "file size exceeds memory budget",
			mutate:  func(c *Config) { c.MaxFileSizeMB = 60 },
			wantErr: "cannot exceed max_memory_mb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(50*1024*1024), cfg.MaxMemoryBytes())
	assert.Equal(t, int64(10*1024*1024), cfg.MaxFileSizeBytes())
	assert.Equal(t, 300.0, cfg.BackupTimeout().Seconds())
}
