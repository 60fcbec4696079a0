package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "https://chat.qwen.ai" {
		t.Errorf("base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.DefaultModel != "qwen3-coder-plus" {
		t.Errorf("default_model = %q", cfg.Upstream.DefaultModel)
	}
	if cfg.Session.Timeout != time.Hour {
		t.Errorf("session timeout = %v, want 1h", cfg.Session.Timeout)
	}
	if cfg.Session.SweepInterval != 5*time.Minute {
		t.Errorf("sweep interval = %v, want 5m", cfg.Session.SweepInterval)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
upstream:
  token: ${QWEN_TEST_TOKEN}
  default_model: qwen3-max
session:
  timeout: 30m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QWEN_TEST_TOKEN", "secret-token")
	t.Setenv("QWENGW_SERVER__PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Upstream.Token != "secret-token" {
		t.Errorf("token = %q, want ${VAR} substitution", cfg.Upstream.Token)
	}
	if cfg.Upstream.DefaultModel != "qwen3-max" {
		t.Errorf("default_model = %q, want file value", cfg.Upstream.DefaultModel)
	}
	if cfg.Session.Timeout != 30*time.Minute {
		t.Errorf("timeout = %v, want 30m", cfg.Session.Timeout)
	}
}
