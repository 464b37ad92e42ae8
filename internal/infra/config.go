package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string

	// Pipeline tuning.
	WorkerCount        int
	RenderConcurrency  int
	PollInterval       time.Duration
	JobMaxRetries      int
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
	LivenessDeadline   time.Duration
	AuditRetentionDays int
	// FixPolicySpec optionally overrides the QC fix table, entries of the
	// form "category=steps:cfg:structure" separated by commas.
	FixPolicySpec string
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. A local .env file is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		WorkerCount:        getEnvInt("WORKER_COUNT", 4),
		RenderConcurrency:  getEnvInt("RENDER_CONCURRENCY", 3),
		PollInterval:       time.Second * time.Duration(getEnvInt("JOB_POLL_INTERVAL_SECONDS", 2)),
		JobMaxRetries:      getEnvInt("JOB_MAX_RETRIES", 3),
		RetryBackoffBase:   time.Second * time.Duration(getEnvInt("JOB_RETRY_BACKOFF_SECONDS", 30)),
		RetryBackoffMax:    time.Second * time.Duration(getEnvInt("JOB_RETRY_BACKOFF_MAX_SECONDS", 600)),
		LivenessDeadline:   time.Minute * time.Duration(getEnvInt("JOB_LIVENESS_DEADLINE_MINUTES", 15)),
		AuditRetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 30),
		FixPolicySpec:      os.Getenv("FIX_POLICY"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if cfg.RenderConcurrency < 1 {
		return nil, fmt.Errorf("RENDER_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
