package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Relays.Seeds) == 0 {
		t.Errorf("default config has no seed relays")
	}
	if cfg.Profile.Dir == "" {
		t.Errorf("default config has no profile dir")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
profile:
  dir: /tmp/murmur-test
relays:
  seeds:
    - "relay.example.com"
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile.Dir != "/tmp/murmur-test" {
		t.Errorf("profile dir = %q", cfg.Profile.Dir)
	}
	if len(cfg.Relays.Seeds) != 1 || cfg.Relays.Seeds[0] != "wss://relay.example.com" {
		t.Errorf("seeds = %v, want the normalized url", cfg.Relays.Seeds)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("logging:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Errorf("expected an error for an invalid log level")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("expected an error for a missing config path")
	}
}
