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
	cfg.ServerURL = "http://localhost:5173"
	cfg.DBPath = "/tmp/chat.db"
	cfg.Upload.Timeout = Duration{2 * time.Minute}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ServerURL != "http://localhost:5173" {
		t.Errorf("ServerURL = %q, want http://localhost:5173", loaded.ServerURL)
	}
	if loaded.DBPath != "/tmp/chat.db" {
		t.Errorf("DBPath = %q, want /tmp/chat.db", loaded.DBPath)
	}
	if loaded.Upload.Timeout.Duration != 2*time.Minute {
		t.Errorf("Upload.Timeout = %s, want 2m", loaded.Upload.Timeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if !cfg.Export.IncludeAttachments {
		t.Error("IncludeAttachments should default to true")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := []byte(`
server_url = "https://staging.chattomap.com"

[upload]
max_attempts = 6
initial_backoff = "250ms"
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upload.MaxAttempts != 6 {
		t.Errorf("MaxAttempts = %d, want 6", cfg.Upload.MaxAttempts)
	}
	if cfg.Upload.InitialBackoff.Duration != 250*time.Millisecond {
		t.Errorf("InitialBackoff = %s, want 250ms", cfg.Upload.InitialBackoff)
	}
	if cfg.Upload.Timeout.Duration != 15*time.Minute {
		t.Errorf("Timeout = %s, want default 15m", cfg.Upload.Timeout)
	}
	if cfg.Export.Workers != 4 {
		t.Errorf("Workers = %d, want default 4", cfg.Export.Workers)
	}
	if cfg.MaxAttachmentBytes() != 100<<20 {
		t.Errorf("MaxAttachmentBytes = %d, want %d", cfg.MaxAttachmentBytes(), 100<<20)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "[upload]\ntimeout = \"soon\"\n"},
		{"too many workers", "[export]\nworkers = 500\n"},
		{"backoff inverted", "[upload]\ninitial_backoff = \"1m\"\nmax_backoff = \"1s\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
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
