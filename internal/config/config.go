// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the cache database (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// Upstream AKTools bridge
	UpstreamBaseURL    string
	UpstreamTimeout    time.Duration
	UpstreamRatePerSec float64
	UpstreamRateBurst  int

	// Fetch coordinator
	FetchWorkers    int
	FetchQueueCap   int
	RetryMax        int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration

	// Cache TTL policy
	RealtimeTTLOpen       time.Duration
	RealtimeTTLClosed     time.Duration
	AssetTTL              time.Duration
	FinancialSummaryTTL   time.Duration
	FinancialIndicatorTTL time.Duration
	DefaultLookbackDays   int

	// Monitoring
	MonitorBufferSize   int
	RequestLogRetention time.Duration
	LatencySampleWindow int

	Backup *BackupConfig
}

// BackupConfig holds cache database backup settings. The backup job only
// runs when Endpoint, Bucket and both keys are present.
type BackupConfig struct {
	Endpoint  string // S3-compatible endpoint URL
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string // Object key prefix inside the bucket
	Keep      int    // Remote backups to retain
	Schedule  string // Cron expression (with seconds field)
}

// Enabled reports whether enough settings are present to run backups.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Endpoint != "" && b.Bucket != "" && b.AccessKey != "" && b.SecretKey != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	// 1. Check QUANTDB_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("QUANTDB_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8000),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		UpstreamBaseURL:    getEnv("AKTOOLS_BASE_URL", "http://127.0.0.1:8080"),
		UpstreamTimeout:    getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamRatePerSec: getEnvAsFloat("UPSTREAM_RATE_PER_SEC", 8),
		UpstreamRateBurst:  getEnvAsInt("UPSTREAM_RATE_BURST", 16),

		FetchWorkers:    getEnvAsInt("FETCH_WORKERS", 4),
		FetchQueueCap:   getEnvAsInt("FETCH_QUEUE_CAP", 32),
		RetryMax:        getEnvAsInt("FETCH_RETRY_MAX", 3),
		RetryBaseDelay:  getEnvAsDuration("FETCH_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:   getEnvAsDuration("FETCH_RETRY_MAX_DELAY", 8*time.Second),
		BreakerFailures: getEnvAsInt("UPSTREAM_BREAKER_FAILURES", 5),
		BreakerCooldown: getEnvAsDuration("UPSTREAM_BREAKER_COOLDOWN", 30*time.Second),

		RealtimeTTLOpen:       getEnvAsDuration("REALTIME_TTL_OPEN", 60*time.Second),
		RealtimeTTLClosed:     getEnvAsDuration("REALTIME_TTL_CLOSED", 30*time.Minute),
		AssetTTL:              getEnvAsDuration("ASSET_TTL", 24*time.Hour),
		FinancialSummaryTTL:   getEnvAsDuration("FINANCIAL_SUMMARY_TTL", 24*time.Hour),
		FinancialIndicatorTTL: getEnvAsDuration("FINANCIAL_INDICATOR_TTL", 7*24*time.Hour),
		DefaultLookbackDays:   getEnvAsInt("DEFAULT_LOOKBACK_DAYS", 365),

		MonitorBufferSize:   getEnvAsInt("MONITOR_BUFFER_SIZE", 1024),
		RequestLogRetention: getEnvAsDuration("REQUEST_LOG_RETENTION", 30*24*time.Hour),
		LatencySampleWindow: getEnvAsInt("LATENCY_SAMPLE_WINDOW", 1024),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration ranges before anything is wired up.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("AKTOOLS_BASE_URL must not be empty")
	}
	if c.FetchWorkers < 1 {
		return fmt.Errorf("FETCH_WORKERS must be at least 1, got %d", c.FetchWorkers)
	}
	if c.FetchQueueCap < 0 {
		return fmt.Errorf("FETCH_QUEUE_CAP must not be negative, got %d", c.FetchQueueCap)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("FETCH_RETRY_MAX must not be negative, got %d", c.RetryMax)
	}
	if c.UpstreamRatePerSec <= 0 {
		return fmt.Errorf("UPSTREAM_RATE_PER_SEC must be positive, got %v", c.UpstreamRatePerSec)
	}
	if c.DefaultLookbackDays < 1 {
		return fmt.Errorf("DEFAULT_LOOKBACK_DAYS must be at least 1, got %d", c.DefaultLookbackDays)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s", "24h").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadBackupConfig loads backup settings; empty endpoint/bucket/keys leave
// the feature disabled.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:    getEnv("BACKUP_S3_REGION", "auto"),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Prefix:    getEnv("BACKUP_S3_PREFIX", "quantdb"),
		Keep:      getEnvAsInt("BACKUP_KEEP", 14),
		Schedule:  getEnv("BACKUP_SCHEDULE", "0 0 2 * * *"),
	}
}
