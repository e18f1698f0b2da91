package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the metering service.
type Config struct {
	HTTPPort string

	SigningKey   []byte
	SigningKeyID string

	TaxRate         string
	BillingCurrency string

	Database  DatabaseConfig
	Redis     RedisConfig
	Batch     BatchConfig
	Billing   BillingConfig
	Directory DirectoryCacheConfig
	Forecast  ForecastConfig
	Export    ExportConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings, shared by the metrics cache
// and the optional Redis queue backend.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BatchConfig holds batch-writer settings
type BatchConfig struct {
	FlushThreshold  int
	FlushInterval   time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	UseRedisQueue   bool
	QueueName       string
}

// BillingConfig holds billing scheduler settings
type BillingConfig struct {
	CycleType     string
	SweepInterval time.Duration
}

// DirectoryCacheConfig holds the tenant directory cache settings
type DirectoryCacheConfig struct {
	Size int
	TTL  time.Duration
}

// ForecastConfig holds forecaster settings
type ForecastConfig struct {
	WindowDays int
}

// ExportConfig holds configuration for the S3-based audit export sink
type ExportConfig struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
	S3Bucket  string
	S3Region  string
	S3Prefix  string
	NodeName  string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	signingKey := os.Getenv("SIGNING_KEY")
	if signingKey == "" {
		return nil, fmt.Errorf("SIGNING_KEY is required")
	}

	cfg := &Config{
		HTTPPort:        getEnvString("HTTP_PORT", "8080"),
		SigningKey:      []byte(signingKey),
		SigningKeyID:    getEnvString("SIGNING_KEY_ID", "key-1"),
		TaxRate:         getEnvString("TAX_RATE", "0.15"),
		BillingCurrency: getEnvString("BILLING_CURRENCY", "ZAR"),
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Database:        getEnvString("DB_NAME", "legalmeter"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Batch: BatchConfig{
			FlushThreshold:  getEnvInt("BATCH_FLUSH_THRESHOLD", 1000),
			FlushInterval:   getEnvDuration("BATCH_FLUSH_INTERVAL", 60*time.Second),
			RetryBackoff:    getEnvDuration("BATCH_RETRY_BACKOFF", 1*time.Second),
			MaxRetryBackoff: getEnvDuration("BATCH_MAX_RETRY_BACKOFF", 2*time.Minute),
			UseRedisQueue:   getEnvString("BATCH_USE_REDIS_QUEUE", "false") == "true",
			QueueName:       getEnvString("BATCH_QUEUE_NAME", "usage_records"),
		},
		Billing: BillingConfig{
			CycleType:     getEnvString("BILLING_CYCLE_TYPE", "MONTHLY"),
			SweepInterval: getEnvDuration("BILLING_SWEEP_INTERVAL", 1*time.Hour),
		},
		Directory: DirectoryCacheConfig{
			Size: getEnvInt("DIRECTORY_CACHE_SIZE", 1000),
			TTL:  getEnvDuration("DIRECTORY_CACHE_TTL", 5*time.Minute),
		},
		Forecast: ForecastConfig{
			WindowDays: getEnvInt("FORECAST_WINDOW_DAYS", 30),
		},
		Export: ExportConfig{
			Enabled:   getEnvString("EXPORT_ENABLED", "false") == "true",
			BatchSize: getEnvInt("EXPORT_BATCH_SIZE", 500),
			Interval:  getEnvDuration("EXPORT_INTERVAL", 5*time.Minute),
			S3Bucket:  getEnvString("EXPORT_S3_BUCKET", ""),
			S3Region:  getEnvString("EXPORT_S3_REGION", "af-south-1"),
			S3Prefix:  getEnvString("EXPORT_S3_PREFIX", "audit/"),
			NodeName:  getEnvString("NODE_NAME", "meterd-0"),
		},
	}

	return cfg, nil
}
