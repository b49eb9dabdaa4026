package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIToken            string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	MetricsAddr         string
	LogLevel            string

	SyncInterval        time.Duration
	QueueInterval       time.Duration
	ActionLease         time.Duration
	SyncBatchSize       int
	HistoricalBatchSize int
	MaxActionAttempts   int
	IMAPMaxWorkers      int
	AccountConcurrency  int
	// IMAPInsecure allows plain-text IMAP and SMTP connections. Only for local test servers.
	IMAPInsecure bool
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		APIToken:            os.Getenv("MAILSYNC_API_TOKEN"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		MetricsAddr:         getEnvOrDefault("MAILSYNC_METRICS_ADDR", ":9090"),
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
	}

	var err error
	if config.SyncInterval, err = getDurationOrDefault("MAILSYNC_SYNC_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if config.QueueInterval, err = getDurationOrDefault("MAILSYNC_QUEUE_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if config.ActionLease, err = getDurationOrDefault("MAILSYNC_ACTION_LEASE", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.SyncBatchSize, err = getIntOrDefault("MAILSYNC_SYNC_BATCH_SIZE", 200); err != nil {
		return nil, err
	}
	if config.HistoricalBatchSize, err = getIntOrDefault("MAILSYNC_HISTORICAL_BATCH_SIZE", 200); err != nil {
		return nil, err
	}
	if config.MaxActionAttempts, err = getIntOrDefault("MAILSYNC_MAX_ACTION_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getIntOrDefault("MAILSYNC_IMAP_MAX_WORKERS", 3); err != nil {
		return nil, err
	}
	if config.AccountConcurrency, err = getIntOrDefault("MAILSYNC_ACCOUNT_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	config.IMAPInsecure = os.Getenv("MAILSYNC_IMAP_INSECURE") == "true"

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.SyncBatchSize <= 0 || c.HistoricalBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}

	if c.MaxActionAttempts <= 0 {
		return fmt.Errorf("MAILSYNC_MAX_ACTION_ATTEMPTS must be positive")
	}

	if c.IMAPMaxWorkers <= 0 || c.AccountConcurrency <= 0 {
		return fmt.Errorf("worker and account concurrency limits must be positive")
	}

	if c.IMAPInsecure && c.Environment == "production" {
		return fmt.Errorf("MAILSYNC_IMAP_INSECURE is not allowed in production")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
