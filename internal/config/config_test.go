package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFromPathAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(writeTempConfig(t, "server:\n  audit_logs: true\n"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Address != ":3001" {
		t.Fatalf("expected default address :3001, got %q", cfg.Server.Address)
	}
	if !cfg.Server.AuditLogs {
		t.Fatal("expected audit_logs to survive defaulting")
	}
	if cfg.RateLimit.General.Points != 250 || cfg.RateLimit.TerminalCreate.Points != 15 || cfg.RateLimit.Input.Points != 300 {
		t.Fatalf("unexpected bucket defaults: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.TerminalCreate.BlockSeconds != 120 {
		t.Fatalf("expected terminal-create block of 120s, got %d", cfg.RateLimit.TerminalCreate.BlockSeconds)
	}
	if cfg.Network.FlushThresholdBytes != 8192 || cfg.Network.MinDelayMillis != 12 || cfg.Network.MaxDelayMillis != 50 {
		t.Fatalf("unexpected network defaults: %+v", cfg.Network)
	}
	if cfg.Session.MaxIdleSeconds != 3600 || cfg.Session.SweepIntervalSeconds != 300 {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Session.OutputBufferCapacity != 1000 {
		t.Fatalf("expected output buffer capacity 1000, got %d", cfg.Session.OutputBufferCapacity)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("POD_NAME", "env-pod")
	t.Setenv("CONTAINER_NAME", "env-container")
	t.Setenv("DEBUG_PERF", "true")

	cfg, err := LoadFromPath(writeTempConfig(t, "server:\n  address: \":3001\"\n"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Address != ":4000" {
		t.Fatalf("expected PORT override, got %q", cfg.Server.Address)
	}
	if cfg.Kubernetes.PodName != "env-pod" || cfg.Kubernetes.ContainerName != "env-container" {
		t.Fatalf("expected pod/container env overrides, got %+v", cfg.Kubernetes)
	}
	if !cfg.Server.DebugPerf {
		t.Fatal("expected DEBUG_PERF=true to enable debug perf")
	}
}

func TestRelayRequiresRedisURL(t *testing.T) {
	_, err := LoadFromPath(writeTempConfig(t, "relay:\n  enabled: true\n"))
	if err == nil {
		t.Fatal("expected error when relay is enabled without a redis url")
	}
}

func TestValidateFlagsInvertedDelayBounds(t *testing.T) {
	cfg, err := LoadFromPath(writeTempConfig(t, "network:\n  min_delay_millis: 80\n  max_delay_millis: 50\n"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	result := Validate(cfg)
	if len(result.Errors) == 0 {
		t.Fatal("expected a validation error for min_delay >= max_delay")
	}
}
