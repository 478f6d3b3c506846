package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()

	if cfg.Cache.BudgetBytes != 200*1024*1024 {
		t.Fatalf("Cache.BudgetBytes = %d, want 200MiB", cfg.Cache.BudgetBytes)
	}
	if cfg.Cache.BlockSizeBytes != 100*1024*1024 {
		t.Fatalf("Cache.BlockSizeBytes = %d, want 100MiB", cfg.Cache.BlockSizeBytes)
	}
	if cfg.Cache.CloseEnoughBytes != 5*1024*1024 {
		t.Fatalf("Cache.CloseEnoughBytes = %d, want 5MiB", cfg.Cache.CloseEnoughBytes)
	}
	if cfg.Playback.MinSpeed != 0.1 || cfg.Playback.MaxSpeed != 10.0 {
		t.Fatalf("speed bounds = [%v, %v], want [0.1, 10.0]", cfg.Playback.MinSpeed, cfg.Playback.MaxSpeed)
	}
	if cfg.Playback.SeekBufferingDelay != 100*time.Millisecond {
		t.Fatalf("SeekBufferingDelay = %v, want 100ms", cfg.Playback.SeekBufferingDelay)
	}
	if cfg.Playback.TickBufferingDelay != 500*time.Millisecond {
		t.Fatalf("TickBufferingDelay = %v, want 500ms", cfg.Playback.TickBufferingDelay)
	}
	if cfg.Playback.FramePace != 16*time.Millisecond {
		t.Fatalf("FramePace = %v, want 16ms", cfg.Playback.FramePace)
	}
	if cfg.Playback.StartSkip != 99*time.Millisecond {
		t.Fatalf("StartSkip = %v, want 99ms", cfg.Playback.StartSkip)
	}
	if cfg.Playback.HardFailureWindow != 100*time.Millisecond {
		t.Fatalf("HardFailureWindow = %v, want 100ms", cfg.Playback.HardFailureWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"zero cache budget", func(c *Config) { c.Cache.BudgetBytes = 0 }, true},
		{"zero block size", func(c *Config) { c.Cache.BlockSizeBytes = 0 }, true},
		{"negative close enough", func(c *Config) { c.Cache.CloseEnoughBytes = -1 }, true},
		{"min speed above max", func(c *Config) { c.Playback.MinSpeed = 5; c.Playback.MaxSpeed = 1 }, true},
		{"zero frame pace", func(c *Config) { c.Playback.FramePace = 0 }, true},
		{"zero max connections", func(c *Config) { c.Network.MaxOpenConnections = 0 }, true},
		{"untouched default", func(c *Config) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Fatalf("Load(\"\") = %+v, want Default()", cfg)
	}
}

func TestLoadMergesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamplay.yaml")
	contents := "cache:\n  budget_bytes: 67108864\nplayback:\n  max_speed: 4\nnetwork:\n  max_open_connections: 2\nseek_index_path: /tmp/hints\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.BudgetBytes != 64*1024*1024 {
		t.Fatalf("Cache.BudgetBytes = %d, want 64MiB", cfg.Cache.BudgetBytes)
	}
	if cfg.Playback.MaxSpeed != 4 {
		t.Fatalf("Playback.MaxSpeed = %v, want 4", cfg.Playback.MaxSpeed)
	}
	if cfg.Network.MaxOpenConnections != 2 {
		t.Fatalf("Network.MaxOpenConnections = %d, want 2", cfg.Network.MaxOpenConnections)
	}
	if cfg.SeekIndexPath != "/tmp/hints" {
		t.Fatalf("SeekIndexPath = %q, want /tmp/hints", cfg.SeekIndexPath)
	}
	// Fields left unset in the file keep their documented defaults.
	if cfg.Playback.FramePace != DefaultFramePace {
		t.Fatalf("FramePace = %v, want default %v", cfg.Playback.FramePace, DefaultFramePace)
	}
}

func TestLoadRejectsInvalidMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  budget_bytes: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a config with a zero cache budget")
	}
}
