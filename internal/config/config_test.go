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
	cfg.DefaultSession = "work"
	cfg.UserID = "u1"
	cfg.Engine.TypingTTL = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Engine.TypingTTL.Duration != 5*time.Second {
		t.Errorf("TypingTTL = %v, want 5s", loaded.Engine.TypingTTL)
	}
	if loaded.Engine.RetryDelay.Duration != 2*time.Second {
		t.Errorf("RetryDelay = %v, want default 2s", loaded.Engine.RetryDelay)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "user_id = \"u7\"\n\n[engine]\nswitch_grace = \"250ms\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.EngineOptions()
	if opts.User.ID != "u7" {
		t.Errorf("user = %q", opts.User.ID)
	}
	if opts.SwitchGrace != 250*time.Millisecond {
		t.Errorf("SwitchGrace = %v, want 250ms", opts.SwitchGrace)
	}
	if opts.PageSize != 50 || opts.TypingDebounce != 300*time.Millisecond || opts.SubscribeTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", opts)
	}
	if cfg.Typing.Backend != TypingSQLite {
		t.Errorf("typing backend = %q, want sqlite", cfg.Typing.Backend)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "[engine]\nretry_delay = \"soon\"\n"},
		{"redis without addr", "[typing]\nbackend = \"redis\"\n"},
		{"unknown backend", "[typing]\nbackend = \"memcached\"\n"},
		{"unknown level", "log_level = \"loud\"\n"},
		{"negative page", "[engine]\npage_size = -1\n"},
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

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
	dir, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := dir.Mode().Perm(); perm != 0700 {
		t.Errorf("dir permission = %o, want 0700", perm)
	}
}
