package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", loaded.Retry.MaxAttempts)
	}
	if loaded.Retry.BaseDelay.Duration != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", loaded.Retry.BaseDelay.Duration)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	// Partial file: everything unset falls back to defaults.
	if err := os.WriteFile(path, []byte("[remote]\nbase_url = \"https://chat.example.com\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q, want override", cfg.Remote.BaseURL)
	}
	if cfg.Retry.MaxAttempts != Default().Retry.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Retry.MaxAttempts, Default().Retry.MaxAttempts)
	}
	if cfg.Retry.Jitter != 0.2 {
		t.Errorf("Jitter = %v, want 0.2", cfg.Retry.Jitter)
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Remote.BaseURL != Default().Remote.BaseURL {
		t.Error("missing file should yield defaults")
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("parsed = %v, want 1m30s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
