package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string
	RedisAddr   string
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string
	TokenExpiry time.Duration

	BatchInterval     time.Duration
	BatchMaxSize      int
	BatchWriteTimeout time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              8080,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		BatchInterval:     2 * time.Second,
		BatchMaxSize:      20,
		BatchWriteTimeout: 5 * time.Second,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.JWTSecret = env.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisAddr = env.Getenv("REDIS_ADDR")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("BATCH_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid BATCH_INTERVAL_MS")
		}
		cfg.BatchInterval = time.Duration(ms) * time.Millisecond
	}

	if raw := env.Getenv("BATCH_MAX_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid BATCH_MAX_SIZE")
		}
		cfg.BatchMaxSize = n
	}

	if raw := env.Getenv("BATCH_WRITE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid BATCH_WRITE_TIMEOUT_MS")
		}
		cfg.BatchWriteTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
