package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// isolate points config discovery at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(t.TempDir())
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("expected no config file, got %s", cfg.Source)
	}

	want := Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults differ (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	xdg := isolate(t)

	path := filepath.Join(xdg, FileName, FileName+".toml")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	content := `
[remote]
base_url = "https://api.example.org"
timeout = "30s"

[sync]
strategy = "merge"
max_retries = 5

[cache]
ttl = "1h"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OFFSYNC_SYNC_MAX_RETRIES", "7")
	t.Setenv("OFFSYNC_REMOTE_TOKEN", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
	if cfg.Remote.BaseURL != "https://api.example.org" || cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("unexpected remote config: %+v", cfg.Remote)
	}
	if cfg.Sync.Strategy != "merge" {
		t.Errorf("Strategy = %q", cfg.Sync.Strategy)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("env override not applied: MaxRetries = %d", cfg.Sync.MaxRetries)
	}
	if cfg.Remote.Token != "secret" {
		t.Errorf("Token = %q", cfg.Remote.Token)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("TTL = %v", cfg.Cache.TTL)
	}
	// Untouched keys keep their defaults.
	if cfg.Remote.HealthPath != "/health" {
		t.Errorf("HealthPath = %q", cfg.Remote.HealthPath)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"negative pages", func(c *Config) { c.Store.MaxPages = -1 }, "store.max_pages"},
		{"zero timeout", func(c *Config) { c.Remote.Timeout = 0 }, "remote.timeout"},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "sync.max_retries"},
		{"bad strategy", func(c *Config) { c.Sync.Strategy = "newest" }, "sync.strategy"},
		{"zero revalidate", func(c *Config) { c.Sync.RevalidateInterval = 0 }, "sync.revalidate_interval"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"port range", func(c *Config) { c.Dashboard.Port = 70000 }, "dashboard.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf", "offsync.toml")

	cfg := Default()
	cfg.Remote.BaseURL = "https://api.example.org"
	cfg.Remote.Token = "do-not-write"
	cfg.Sync.Strategy = "server-wins"
	cfg.Sync.RevalidateInterval = 90 * time.Second

	if err := WriteFile(cfg, path, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "do-not-write") {
		t.Error("token was written to the config file")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Remote.BaseURL != cfg.Remote.BaseURL || loaded.Sync.Strategy != "server-wins" {
		t.Errorf("unexpected loaded config: %+v", loaded)
	}
	if loaded.Sync.RevalidateInterval != 90*time.Second {
		t.Errorf("RevalidateInterval = %v", loaded.Sync.RevalidateInterval)
	}

	if err := WriteFile(cfg, path, false); err == nil {
		t.Error("expected error when file exists without force")
	}
	if err := WriteFile(cfg, path, true); err != nil {
		t.Errorf("force overwrite failed: %v", err)
	}
}
