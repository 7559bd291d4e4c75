package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	// Executor dispatch
	ExecutorURL     string
	ExecutorFormat  string // "json" or "multipart"
	ExecutorSync    bool
	ExecutorTimeout time.Duration
	CallbackBaseURL string

	// Callback auth
	LegacyCallbackSecret string // encrypted at rest, decrypted through the vault
	SecretsKeyHex        string

	// Outbound URL policy
	ExternalHostAllowlist []string
	ExternalPortAllowlist []string

	// Output ingestion
	MaxOutputBytes int64

	// Storage
	StorageDriver  string // "s3" or "filesystem"
	StorageBaseURL string
	StoragePath    string
	S3Bucket       string
	S3Prefix       string

	// Reaper
	ReaperInterval   time.Duration
	ReaperStaleAfter time.Duration

	// Job history
	JobRetentionCap int

	GeoIPDBPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// Production reports whether the server runs with production hardening.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:                getEnv("APP_ENV", "development"),
		Port:                  getEnv("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ExecutorURL:           os.Getenv("EXECUTOR_URL"),
		ExecutorFormat:        getEnv("EXECUTOR_FORMAT", "json"),
		ExecutorSync:          getEnvBool("EXECUTOR_SYNC", false),
		ExecutorTimeout:       time.Second * time.Duration(getEnvInt("EXECUTOR_TIMEOUT_SECONDS", 120)),
		CallbackBaseURL:       os.Getenv("CALLBACK_BASE_URL"),
		LegacyCallbackSecret:  os.Getenv("LEGACY_CALLBACK_SECRET"),
		SecretsKeyHex:         os.Getenv("SECRETS_KEY"),
		ExternalHostAllowlist: getEnvList("EXTERNAL_HOST_ALLOWLIST"),
		ExternalPortAllowlist: getEnvList("EXTERNAL_PORT_ALLOWLIST"),
		MaxOutputBytes:        int64(getEnvInt("MAX_OUTPUT_MB", 250)) * 1024 * 1024,
		StorageDriver:         getEnv("STORAGE_DRIVER", "filesystem"),
		StorageBaseURL:        getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		StoragePath:           getEnv("STORAGE_PATH", "./storage"),
		S3Bucket:              os.Getenv("S3_BUCKET"),
		S3Prefix:              os.Getenv("S3_PREFIX"),
		ReaperInterval:        time.Second * time.Duration(getEnvInt("REAPER_INTERVAL_SECONDS", 60)),
		ReaperStaleAfter:      time.Minute * time.Duration(getEnvInt("REAPER_STALE_AFTER_MINUTES", 30)),
		JobRetentionCap:       getEnvInt("JOB_RETENTION_CAP", 20),
		GeoIPDBPath:           os.Getenv("GEOIP_DB_PATH"),
		HTTPReadTimeout:       time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:      time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:       time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:       getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SecretsKeyHex == "" {
		return nil, fmt.Errorf("SECRETS_KEY is required")
	}
	if cfg.ExecutorFormat != "json" && cfg.ExecutorFormat != "multipart" {
		return nil, fmt.Errorf("EXECUTOR_FORMAT must be json or multipart, got %q", cfg.ExecutorFormat)
	}
	if cfg.StorageDriver == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER=s3")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
