package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis addr = %q, want default", cfg.Redis.Addr)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("http port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Fatalf("rate limit window = %v, want 1m", cfg.RateLimit.Window)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q, want info", cfg.Log.Level)
	}
	if !cfg.Cron.Enabled {
		t.Fatal("cron should default to enabled")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COORDKIT_HTTP_PORT", "9090")
	t.Setenv("COORDKIT_REDIS_OP_TIMEOUT", "2s")
	t.Setenv("COORDKIT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("http port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Redis.OpTimeout != 2*time.Second {
		t.Fatalf("op timeout = %v, want 2s", cfg.Redis.OpTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestFileLoadAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordd.yaml")
	body := []byte("rate_limit:\n  limit: 7\nhttp:\n  port: 7070\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.RateLimit.Limit != 7 || cfg.HTTP.Port != 7070 {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	t.Setenv("COORDKIT_HTTP_PORT", "9091")
	cfg, err = LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.HTTP.Port != 9091 {
		t.Fatalf("env should beat file: port = %d, want 9091", cfg.HTTP.Port)
	}
	if cfg.RateLimit.Limit != 7 {
		t.Fatalf("untouched file value changed: limit = %d", cfg.RateLimit.Limit)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("COORDKIT_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("unknown log level should fail validation")
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing file should fail")
	}
}

func TestStoreConfigConversion(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sc := cfg.Redis.StoreConfig()
	if sc.Addr != cfg.Redis.Addr || sc.OpTimeout != cfg.Redis.OpTimeout {
		t.Fatalf("store config mismatch: %+v vs %+v", sc, cfg.Redis)
	}
	if sc.DialAttempts != 5 || sc.DialBackoff != 100*time.Millisecond {
		t.Fatalf("dial defaults not carried: %+v", sc)
	}
}
