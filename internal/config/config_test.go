package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func baseEnv(t *testing.T) {
	setEnv(t, "JWT_SECRET", "secret")
	setEnv(t, "ATTESTATION_URL", "http://attestation.local")
	setEnv(t, "SIGNER_URL", "http://signer.local")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default addr not applied: %s", cfg.Server.Addr)
	}
	if cfg.Transfers.ReconcilerSchedule != "@every 1m" {
		t.Fatalf("default schedule not applied: %s", cfg.Transfers.ReconcilerSchedule)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	baseEnv(t)
	setEnv(t, "SERVER_ADDR", ":9999")

	path := writeConfig(t, `
server:
  addr: ":7070"
transfers:
  reconciler_schedule: "@every 5m"
  stuck_after: 1h
rate_limit:
  requests_per_second: 5
  burst: 10
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env beats file.
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("env override lost: %s", cfg.Server.Addr)
	}
	if cfg.Transfers.StuckAfter != time.Hour {
		t.Fatalf("file value lost: %v", cfg.Transfers.StuckAfter)
	}
	if cfg.RateLimit.RequestsPerSecond != 5 {
		t.Fatalf("file value lost: %d", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "ATTESTATION_URL", "http://attestation.local")
	setEnv(t, "SIGNER_URL", "http://signer.local")

	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected validation error for missing jwt secret")
	}
}
