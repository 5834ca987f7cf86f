package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/relaycore/internal/config"
)

func TestLoad_FromRelaycoreHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	dir := filepath.Join(home, ".relaycore")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\npoll_interval_ms: 5000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("RELAYCORE_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.PollIntervalMs != 5000 {
		t.Fatalf("expected poll_interval_ms=5000, got %d", cfg.PollIntervalMs)
	}
}

func TestLoad_MissingConfigSetsNeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RELAYCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true when config.yaml is absent")
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RELAYCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SessionMaxConcurrent != 5 {
		t.Fatalf("expected default session_max_concurrent=5, got %d", cfg.SessionMaxConcurrent)
	}
	if cfg.SessionRetryAttempts != 1 {
		t.Fatalf("expected default session_retry_attempts=1, got %d", cfg.SessionRetryAttempts)
	}
	if cfg.DrainTimeoutSeconds != 5 {
		t.Fatalf("expected default drain_timeout_seconds=5, got %d", cfg.DrainTimeoutSeconds)
	}
	if cfg.Model.Primary.Provider != "anthropic" {
		t.Fatalf("expected default primary provider=anthropic, got %q", cfg.Model.Primary.Provider)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RELAYCORE_HOME", home)
	t.Setenv("RELAYCORE_LOG_LEVEL", "warn")
	t.Setenv("RELAY_TIMEOUT_MS", "15000")
	t.Setenv("TELEGRAM_TOKEN", "test-token")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log_level=warn, got %q", cfg.LogLevel)
	}
	if cfg.RelayTimeoutMs != 15000 {
		t.Fatalf("expected relay_timeout_ms=15000, got %d", cfg.RelayTimeoutMs)
	}
	if cfg.Telegram.Token != "test-token" {
		t.Fatalf("expected telegram token override, got %q", cfg.Telegram.Token)
	}
	if cfg.Model.Primary.APIKey != "test-anthropic-key" {
		t.Fatalf("expected anthropic api key override, got %q", cfg.Model.Primary.APIKey)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{LogLevel: "info", PollIntervalMs: 2000}
	b := config.Config{LogLevel: "debug", PollIntervalMs: 2000}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected differing configs to produce differing fingerprints")
	}
}
