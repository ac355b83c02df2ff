package config

import "testing"

func TestLoadRequiresWhitelist(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Fatal("expected an error when no control whitelist is configured")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"-control-whitelist", "192.168.101.1"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Control.Port != 9100 {
		t.Fatalf("expected default control port 9100, got %d", cfg.Control.Port)
	}
	if cfg.Ingest.CacheSize != 150 {
		t.Fatalf("expected default ingest cache size 150, got %d", cfg.Ingest.CacheSize)
	}
	if cfg.Viewer.PoolSize != 50 {
		t.Fatalf("expected default viewer pool size 50, got %d", cfg.Viewer.PoolSize)
	}
	if cfg.Storage.FlushPeriodMS != 1000 {
		t.Fatalf("expected default flush period 1000ms, got %d", cfg.Storage.FlushPeriodMS)
	}
	if len(cfg.Control.Whitelist) != 1 || cfg.Control.Whitelist[0] != "192.168.101.1" {
		t.Fatalf("expected whitelist to contain the configured address, got %v", cfg.Control.Whitelist)
	}
}

func TestLoadParsesWhitelistList(t *testing.T) {
	cfg, err := Load([]string{"-control-whitelist", "192.168.101.1, 192.168.101.2"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Control.Whitelist) != 2 {
		t.Fatalf("expected 2 whitelist entries, got %d", len(cfg.Control.Whitelist))
	}
}
