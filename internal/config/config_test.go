package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshlink.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config file to be created")
	}
	if cfg.P2P.MdnsTag != "meshlink-mdns" {
		t.Fatalf("unexpected default mdns tag: %q", cfg.P2P.MdnsTag)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if created {
		t.Fatal("second ensure must load, not create")
	}
	if cfg2 != cfg {
		t.Fatalf("reloaded config differs: %+v vs %+v", cfg2, cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshlink.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"username":"carol"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile.Username != "carol" {
		t.Fatalf("username = %q, want carol", cfg.Profile.Username)
	}
	// Unset fields keep their defaults.
	if cfg.Relay.Port != 3001 {
		t.Fatalf("relay port default lost: %d", cfg.Relay.Port)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"empty username", func(c *Config) { c.Profile.Username = "" }},
		{"bad status", func(c *Config) { c.Profile.Status = "away" }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"relay host without port", func(c *Config) { c.Relay.Host = true; c.Relay.Port = 0 }},
		{"relay bind not an ip", func(c *Config) { c.Relay.Host = true; c.Relay.Bind = "example.com" }},
		{"relay url wrong scheme", func(c *Config) { c.Relay.URL = "http://example.com" }},
		{"relay url unspecified host", func(c *Config) { c.Relay.URL = "ws://0.0.0.0:3001" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
