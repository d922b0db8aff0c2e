package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Server.Port != 8420 || cfg.Store.Driver != "memory" || cfg.Policy.Mode != "enforce" {
		t.Errorf("defaults %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 8420 {
		t.Errorf("port %d", cfg.Server.Port)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
  api_key: sekrit
store:
  driver: durable
  path: /tmp/conduct.db
policy:
  mode: warn
  watch: true
runner:
  tick_interval: 250ms
  drain_batch: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.APIKey != "sekrit" {
		t.Errorf("server %+v", cfg.Server)
	}
	if cfg.Store.Driver != "durable" || cfg.Store.Path != "/tmp/conduct.db" {
		t.Errorf("store %+v", cfg.Store)
	}
	if cfg.Policy.Mode != "warn" || !cfg.Policy.Watch {
		t.Errorf("policy %+v", cfg.Policy)
	}
	if cfg.Runner.TickInterval != 250*time.Millisecond || cfg.Runner.DrainBatch != 10 {
		t.Errorf("runner %+v", cfg.Runner)
	}
	// Unset fields keep their defaults.
	if cfg.BackendsPath != "config/backends.json" {
		t.Errorf("backends path %q", cfg.BackendsPath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("PORT", "9001")
	t.Setenv("POLICY_MODE", "disabled")
	t.Setenv("STORE", "durable")
	t.Setenv("DB_PATH", "/tmp/env.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("env port override lost: %d", cfg.Server.Port)
	}
	if cfg.Policy.Mode != "disabled" {
		t.Errorf("policy mode %q", cfg.Policy.Mode)
	}
	if cfg.Store.Driver != "durable" || cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("store %+v", cfg.Store)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{name: "unknown store driver", content: "store:\n  driver: redis\n"},
		{name: "durable without path", content: "store:\n  driver: durable\n"},
		{name: "unknown policy mode", content: "policy:\n  mode: audit\n"},
		{name: "port out of range", content: "server:\n  port: 70000\n"},
		{name: "malformed yaml", content: "server: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("invalid configuration accepted")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("unreadable explicit path accepted")
	}
}
