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
	cfg.Telegram.APIID = 12345
	cfg.Telegram.APIHash = "abc"
	cfg.Fetch.BatchSize = 50
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Telegram.APIID != 12345 {
		t.Errorf("APIID = %d, want 12345", loaded.Telegram.APIID)
	}
	if loaded.Fetch.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", loaded.Fetch.BatchSize)
	}
	if loaded.Fetch.PageTimeout.Std() != 30*time.Second {
		t.Errorf("PageTimeout = %v, want 30s", loaded.Fetch.PageTimeout.Std())
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != "127.0.0.1:8790" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
}

func TestLoadRejectsBadBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[fetch]\nbatch_size = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for batch_size = 0")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[breaker]\ncooldown = \"45s\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Breaker.Cooldown.Std() != 45*time.Second {
		t.Errorf("Cooldown = %v, want 45s", cfg.Breaker.Cooldown.Std())
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
