// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Simulator.RequestTimeout != 3*time.Second {
		t.Errorf("expected request_timeout=3s, got %s", cfg.Simulator.RequestTimeout)
	}
	if cfg.Simulator.MaxRetries != 2 {
		t.Errorf("expected max_retries=2, got %d", cfg.Simulator.MaxRetries)
	}
	if !cfg.Bridge.BootstrapEmit {
		t.Error("expected bootstrap_emit=true by default")
	}
	if cfg.Bridge.PollInterval != 5*time.Second {
		t.Errorf("expected poll_interval=5s, got %s", cfg.Bridge.PollInterval)
	}
}

func TestLoad_RequiresTowerctlConfig(t *testing.T) {
	orig := os.Getenv("TOWERCTL_CONFIG")
	defer os.Setenv("TOWERCTL_CONFIG", orig)

	os.Unsetenv("TOWERCTL_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TOWERCTL_CONFIG is not set, got nil")
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "towerctl.yaml")
	contents := `
simulator:
  base_url: http://simulator.example:9100
  max_retries: 5
bridge:
  bootstrap_emit: false
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Simulator.BaseURL != "http://simulator.example:9100" {
		t.Errorf("base_url not applied: %s", cfg.Simulator.BaseURL)
	}
	if cfg.Simulator.MaxRetries != 5 {
		t.Errorf("max_retries not applied: %d", cfg.Simulator.MaxRetries)
	}
	if cfg.Bridge.BootstrapEmit {
		t.Error("bootstrap_emit override not applied")
	}
	// Fields not present in the file keep their Default() value.
	if cfg.Simulator.RequestTimeout != 3*time.Second {
		t.Errorf("expected untouched default request_timeout=3s, got %s", cfg.Simulator.RequestTimeout)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
