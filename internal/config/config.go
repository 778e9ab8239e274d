// Package config loads service configuration from the environment. A
// .env file in the working directory is honored when present.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mogi-io/cdnstat/internal/logging"
)

type Config struct {
	ListenAddr          string
	ProjectID           string
	AccessToken         string
	LoggingBaseURL      string
	MonitoringBaseURL   string
	MaxMindDBPath       string
	LogPageSize         int
	UpstreamTimeout     time.Duration
	AuthUsername        string
	AuthPassword        string
	DBPath              string
	DBMaxConnections    int
	DBQueryTimeout      time.Duration
	LogLevel            logging.Level
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
}

func Load() Config {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":3001"),
		ProjectID:           getEnv("GOOGLE_CLOUD_PROJECT_ID", "mogi-io"),
		AccessToken:         os.Getenv("TELEMETRY_ACCESS_TOKEN"),
		LoggingBaseURL:      os.Getenv("LOGGING_BASE_URL"),
		MonitoringBaseURL:   os.Getenv("MONITORING_BASE_URL"),
		MaxMindDBPath:       os.Getenv("MAXMIND_DB_PATH"),
		LogPageSize:         getEnvInt("LOG_PAGE_SIZE", 500),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		AuthUsername:        os.Getenv("AUTH_USERNAME"),
		AuthPassword:        os.Getenv("AUTH_PASSWORD"),
		DBPath:              getEnv("DB_PATH", "./data/cdnstat.db"),
		DBMaxConnections:    getEnvInt("DB_MAX_CONNECTIONS", 1),
		DBQueryTimeout:      getEnvDuration("DB_QUERY_TIMEOUT", 30*time.Second),
		LogLevel:            logging.ParseLevel(getEnv("LOG_LEVEL", "INFO")),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 0),
		MaxRequestBodyBytes: getEnvInt64("MAX_REQUEST_BODY_BYTES", 1<<20),
	}

	return cfg
}

// AuthEnabled returns true if both AUTH_USERNAME and AUTH_PASSWORD are set.
func (c Config) AuthEnabled() bool {
	return c.AuthUsername != "" && c.AuthPassword != ""
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid int environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvInt64(key string, def int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		slog.Warn("invalid int64 environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}
