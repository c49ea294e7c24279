package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func required() mapEnv {
	return mapEnv{"JWT_SECRET": "x", "DATABASE_URL": "postgres://localhost/canvas"}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(required())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.BatchInterval != 2*time.Second {
		t.Fatalf("expected default batch interval 2s, got %v", cfg.BatchInterval)
	}
	if cfg.BatchMaxSize != 20 {
		t.Fatalf("expected default batch max size 20, got %d", cfg.BatchMaxSize)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected redis disabled by default, got %q", cfg.RedisAddr)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{"DATABASE_URL": "postgres://localhost/canvas"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_MissingDatabaseURL(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{"JWT_SECRET": "x"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	env := required()
	env["PORT"] = "1234"
	env["BATCH_INTERVAL_MS"] = "500"
	env["BATCH_MAX_SIZE"] = "5"
	env["BATCH_WRITE_TIMEOUT_MS"] = "1000"
	env["REDIS_ADDR"] = "localhost:6379"

	cfg, err := LoadConfigFromEnv(env)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
	if cfg.BatchInterval != 500*time.Millisecond {
		t.Fatalf("expected batch interval 500ms, got %v", cfg.BatchInterval)
	}
	if cfg.BatchMaxSize != 5 {
		t.Fatalf("expected batch max size 5, got %d", cfg.BatchMaxSize)
	}
	if cfg.BatchWriteTimeout != time.Second {
		t.Fatalf("expected write timeout 1s, got %v", cfg.BatchWriteTimeout)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.RedisAddr)
	}
}

func TestLoadConfigFromEnv_InvalidPort(t *testing.T) {
	env := required()
	env["PORT"] = "not-a-port"
	if _, err := LoadConfigFromEnv(env); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_InvalidBatchSize(t *testing.T) {
	env := required()
	env["BATCH_MAX_SIZE"] = "0"
	if _, err := LoadConfigFromEnv(env); err == nil {
		t.Fatalf("expected error")
	}
}
