// Package config loads gateway configuration from config.yaml and
// QWENGW_-prefixed environment variables, env taking precedence.
package config

import (
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Session  SessionConfig  `koanf:"session"`
	Retry    RetryConfig    `koanf:"retry"`
	Storage  StorageConfig  `koanf:"storage"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type UpstreamConfig struct {
	BaseURL      string `koanf:"base_url"`
	Token        string `koanf:"token"`
	DefaultModel string `koanf:"default_model"`
}

type SessionConfig struct {
	// Timeout is the idle lifetime of a session; expires_at is always
	// last_accessed_at + Timeout.
	Timeout time.Duration `koanf:"timeout"`
	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RetryConfig struct {
	// MaxAttempts bounds upstream call attempts, first try included.
	MaxAttempts int `koanf:"max_attempts"`
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

type StorageConfig struct {
	// SQLitePath is the request/response log database. Empty disables logging.
	SQLitePath string `koanf:"sqlite_path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml if present, then overlays environment variables.
// QWENGW_UPSTREAM__TOKEN maps to upstream.token.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("QWENGW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "QWENGW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Defaults
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("upstream.base_url") {
		k.Set("upstream.base_url", "https://chat.qwen.ai")
	}
	if !k.Exists("upstream.default_model") {
		k.Set("upstream.default_model", "qwen3-coder-plus")
	}
	if !k.Exists("session.timeout") {
		k.Set("session.timeout", "1h")
	}
	if !k.Exists("session.sweep_interval") {
		k.Set("session.sweep_interval", "5m")
	}
	if !k.Exists("retry.max_attempts") {
		k.Set("retry.max_attempts", 3)
	}
	if !k.Exists("retry.initial_backoff") {
		k.Set("retry.initial_backoff", "500ms")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.Token = substituteEnvVars(cfg.Upstream.Token)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
