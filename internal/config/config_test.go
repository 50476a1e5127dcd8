package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7600 || cfg.TLSMode != "self-signed" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent command = %q", cfg.Agent.Command)
	}
	d, err := cfg.Interval()
	if err != nil || d != time.Second {
		t.Errorf("interval = %v, %v", d, err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
host: 127.0.0.1
port: 9000
tls_mode: ""
flush_interval: 250ms
agent:
  command: claude-dev
  args: ["--model", "opus"]
projects:
  web: /srv/web
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 9000 || cfg.TLSMode != "" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Agent.Command != "claude-dev" || len(cfg.Agent.Args) != 2 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Projects["web"] != "/srv/web" {
		t.Errorf("projects = %+v", cfg.Projects)
	}
	d, err := cfg.Interval()
	if err != nil || d != 250*time.Millisecond {
		t.Errorf("interval = %v, %v", d, err)
	}
	// Untouched fields keep their defaults.
	if cfg.AuthRateLimit != 1 || cfg.AuthBurst != 5 {
		t.Errorf("auth limits = %v, %v", cfg.AuthRateLimit, cfg.AuthBurst)
	}
}

func TestLoadRejectsBadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("flush_interval: nonsense\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable interval")
	}
}
