package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"fintrack/internal/analytics"
)

type Config struct {
	// HTTP Server
	Port            string
	RateLimitRPM    int
	ShutdownTimeout time.Duration
	TrustedProxies  []string

	// Logging
	LogLevel string

	// Backend selection
	DataBackend   string
	SQLiteDBPath  string
	DataDirectory string

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Analytics
	Lookback               int
	AnomalyStdDevThreshold float64
	HealthThresholds       string
	TrainingEpochs         int
	TrainingBatchSize      int
	LearningRate           float64
	HiddenUnits            int
	ForecastSeed           int64
	IncrementalTraining    bool
	ForecastCacheSize      int
	ForecastCacheTTL       time.Duration
}

func Load() *Config {
	defaults := analytics.DefaultParams()

	cfg := &Config{
		Port:            getEnv("PORT", "8081"),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", 60),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		TrustedProxies:  getEnvList("TRUSTED_PROXIES"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataBackend:   getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath:  getEnv("SQLITE_DB_PATH", "file:fintrack?mode=memory&cache=shared"),
		DataDirectory: getEnv("DATA_DIR", "data"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fintrack"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "analytics_events"),

		Lookback:               getEnvInt("LOOKBACK", defaults.Lookback),
		AnomalyStdDevThreshold: getEnvFloat("ANOMALY_STDDEV_THRESHOLD", defaults.AnomalyStdDevThreshold),
		HealthThresholds:       getEnv("HEALTH_THRESHOLDS", defaults.HealthThresholds.String()),
		TrainingEpochs:         getEnvInt("TRAINING_EPOCHS", defaults.TrainingEpochs),
		TrainingBatchSize:      getEnvInt("TRAINING_BATCH_SIZE", defaults.TrainingBatchSize),
		LearningRate:           getEnvFloat("LEARNING_RATE", defaults.LearningRate),
		HiddenUnits:            getEnvInt("HIDDEN_UNITS", defaults.HiddenUnits),
		ForecastSeed:           int64(getEnvInt("FORECAST_SEED", int(defaults.Seed))),
		IncrementalTraining:    getEnvBool("INCREMENTAL_TRAINING", defaults.IncrementalTraining),
		ForecastCacheSize:      getEnvInt("FORECAST_CACHE_SIZE", defaults.ForecastCacheSize),
		ForecastCacheTTL:       getEnvDuration("FORECAST_CACHE_TTL", defaults.ForecastCacheTTL),
	}

	return cfg
}

// AnalyticsParams maps the configuration onto engine parameters. Call
// Validate first; an unparsable HEALTH_THRESHOLDS falls back to the default.
func (c *Config) AnalyticsParams() analytics.Params {
	thresholds, err := analytics.ParseThresholds(c.HealthThresholds)
	if err != nil {
		thresholds = analytics.DefaultThresholds()
	}
	return analytics.Params{
		Lookback:               c.Lookback,
		AnomalyStdDevThreshold: c.AnomalyStdDevThreshold,
		HealthThresholds:       thresholds,
		TrainingEpochs:         c.TrainingEpochs,
		TrainingBatchSize:      c.TrainingBatchSize,
		LearningRate:           c.LearningRate,
		HiddenUnits:            c.HiddenUnits,
		Seed:                   c.ForecastSeed,
		IncrementalTraining:    c.IncrementalTraining,
		ForecastCacheSize:      c.ForecastCacheSize,
		ForecastCacheTTL:       c.ForecastCacheTTL,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimitRPM < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitRPM))
	}
	if c.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid shutdown timeout %v: must be positive", c.ShutdownTimeout))
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy '%s': must be a CIDR", cidr))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" && c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate analytics parameters
	if _, err := analytics.ParseThresholds(c.HealthThresholds); err != nil {
		errors = append(errors, fmt.Sprintf("invalid health thresholds '%s': %v", c.HealthThresholds, err))
	} else if err := c.AnalyticsParams().Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
