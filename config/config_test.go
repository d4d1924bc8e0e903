package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Bitcoin.Enabled || !cfg.Stacks.Enabled {
		t.Fatal("chains not enabled by default")
	}
	if cfg.Engine.ForkWindow != 256 || cfg.Engine.Handoff != 10 || cfg.Engine.ScanBatch != 100 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
}

func TestLoadTOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainhookd.toml")
	content := `
datadir = "/var/lib/chainhookd"

[bitcoin]
enabled = true
network = "regtest"
subscribe_url = "ws://btc:28332"
fetch_url = "http://btc:8332"

[stacks]
enabled = false

[api]
addr = "0.0.0.0:9000"
auth_token = "tok"
cors = ["https://app.example"]

[engine]
workers = 8
handoff = 25
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/chainhookd" {
		t.Fatalf("datadir = %q", cfg.DataDir)
	}
	if cfg.Bitcoin.Network != "regtest" || cfg.Stacks.Enabled {
		t.Fatalf("chains = %+v / %+v", cfg.Bitcoin, cfg.Stacks)
	}
	if cfg.API.Addr != "0.0.0.0:9000" || len(cfg.API.CORSOrigins) != 1 {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.Handoff != 25 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	// Untouched keys keep defaults.
	if cfg.Engine.ScanBatch != 100 {
		t.Fatalf("scan_batch = %d, want default 100", cfg.Engine.ScanBatch)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("nonsense_key = true\n"), 0644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("err = %v, want unknown key", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing explicit config accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.API.AuthToken = "tok"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no chains", func(c *Config) { c.Bitcoin.Enabled = false; c.Stacks.Enabled = false }},
		{"bad network", func(c *Config) { c.Bitcoin.Network = "moonnet" }},
		{"missing bitcoin urls", func(c *Config) { c.Bitcoin.SubscribeURL = "" }},
		{"missing observer addr", func(c *Config) { c.Stacks.ObserverAddr = "" }},
		{"missing auth token", func(c *Config) { c.API.AuthToken = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
