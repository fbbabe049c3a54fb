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
	DBMaxConns  int
	RedisURL    string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	PublicBaseURL  string
	StoragePath    string

	StyleEngineBaseURL string
	StyleEngineAPIKey  string
	StyleEngineTimeout time.Duration
	ProviderRetryMax   int
	ProviderRetryBase  time.Duration

	WorkerConcurrency int
	JobAttemptLimit   int
	JobBackoffBase    time.Duration
	JobTimeout        time.Duration
	JobStaleAfter     time.Duration
	KeepCompleted     time.Duration
	KeepFailed        time.Duration

	StreamTimeout time.Duration

	AllowedOrigins  []string
	SubmitRateLimit int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "atelier-artifacts"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:8080/static"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),

		StyleEngineBaseURL: getEnv("STYLE_ENGINE_BASE_URL", "https://api.styleengine.ai/v1"),
		StyleEngineAPIKey:  os.Getenv("STYLE_ENGINE_API_KEY"),
		StyleEngineTimeout: time.Second * time.Duration(getEnvInt("STYLE_ENGINE_TIMEOUT_SECONDS", 120)),
		ProviderRetryMax:   getEnvInt("PROVIDER_RETRY_MAX", 4),
		ProviderRetryBase:  time.Millisecond * time.Duration(getEnvInt("PROVIDER_RETRY_BASE_MS", 500)),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		JobAttemptLimit:   getEnvInt("JOB_ATTEMPT_LIMIT", 3),
		JobBackoffBase:    time.Millisecond * time.Duration(getEnvInt("JOB_BACKOFF_BASE_MS", 5000)),
		JobTimeout:        time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 600)),
		JobStaleAfter:     time.Minute * time.Duration(getEnvInt("JOB_STALE_AFTER_MINUTES", 30)),
		KeepCompleted:     time.Hour * time.Duration(getEnvInt("KEEP_COMPLETED_HOURS", 24)),
		KeepFailed:        time.Hour * time.Duration(getEnvInt("KEEP_FAILED_HOURS", 72)),

		StreamTimeout: time.Second * time.Duration(getEnvInt("STREAM_TIMEOUT_SECONDS", 300)),

		AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		SubmitRateLimit: getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 60),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 330)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// ObjectStoreConfigured reports whether an external object store is set up;
// otherwise the filesystem store is used.
func (c *Config) ObjectStoreConfigured() bool {
	return c.MinioEndpoint != "" && c.MinioAccessKey != "" && c.MinioSecretKey != ""
}

// ProviderConfigured reports whether the generation provider can be called.
func (c *Config) ProviderConfigured() bool {
	return c.StyleEngineAPIKey != ""
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

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
