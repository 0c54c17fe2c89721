package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// t.Setenv registers restoration; unset so envDefault applies.
	for _, key := range []string{"TWINHUB_HOST", "TWINHUB_PORT", "TWINHUB_BACKEND_URLS", "TWINHUB_RECONCILE_DELAY"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8090" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8090", cfg.Addr())
	}
	if cfg.ReconcileDelay != 1500*time.Millisecond {
		t.Errorf("ReconcileDelay = %v, want 1.5s", cfg.ReconcileDelay)
	}
	if len(cfg.BackendURLs) != 1 || cfg.BackendURLs[0] != "http://localhost:3001/api" {
		t.Errorf("BackendURLs = %v", cfg.BackendURLs)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWINHUB_HOST", "0.0.0.0")
	t.Setenv("TWINHUB_PORT", "9000")
	t.Setenv("TWINHUB_BACKEND_URLS", "https://api.example.com,https://api-fallback.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.BackendURLs) != 2 {
		t.Fatalf("expected 2 backend URLs, got %v", cfg.BackendURLs)
	}
	if cfg.LocalOrigin() != "http://localhost:9000" {
		t.Errorf("LocalOrigin() = %q", cfg.LocalOrigin())
	}
}
