// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Store
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	// DBPath overrides the default <data-dir>/service.db location.
	DBPath string `env:"DB_PATH"`
	// Replica options are recognized for deployments that run a read replica
	// sidecar; the authoritative writer is always the local file.
	DBReplicaURL    string        `env:"DB_REPLICA_URL"`
	DBReplicaToken  string        `env:"DB_REPLICA_TOKEN"`
	DBSyncInterval  time.Duration `env:"DB_SYNC_INTERVAL" envDefault:"60s"`
	DBEncryptionKey string        `env:"DB_ENCRYPTION_KEY"`
	DBUseReplica    bool          `env:"DB_USE_REPLICA" envDefault:"false"`

	// Engine
	WorkerCount            int           `env:"WORKER_COUNT" envDefault:"2"`
	DispatchInterval       time.Duration `env:"DISPATCH_INTERVAL" envDefault:"5s"`
	CleanupInterval        time.Duration `env:"CLEANUP_INTERVAL" envDefault:"60s"`
	OrphanThreshold        time.Duration `env:"ORPHAN_THRESHOLD" envDefault:"5m"`
	MaxAttempts            int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	LargeFileThreshold     int64         `env:"LARGE_FILE_THRESHOLD" envDefault:"10485760"`
	ShutdownPerWorker      time.Duration `env:"SHUTDOWN_PER_WORKER" envDefault:"5s"`
	WorkerStartStagger     time.Duration `env:"WORKER_START_STAGGER" envDefault:"100ms"`
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"24h"`
	DefaultRetentionDays   int           `env:"DEFAULT_RETENTION_DAYS" envDefault:"90"`

	// Blob storage
	BlobDriver       string `env:"BLOB_DRIVER" envDefault:"fs"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3Region         string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"true"`

	// OCR provider
	OCRBaseURL     string        `env:"OCR_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OCRAPIKey      string        `env:"OCR_API_KEY"`
	OCRModel       string        `env:"OCR_MODEL" envDefault:"mistralai/mistral-ocr"`
	OCRTemperature float64       `env:"OCR_TEMPERATURE" envDefault:"0"`
	OCRMinInterval time.Duration `env:"OCR_MIN_INTERVAL" envDefault:"0s"`
	// OCR Backoff Configuration
	OCRBackoffMaxElapsedTime  time.Duration `env:"OCR_BACKOFF_MAX_ELAPSED_TIME" envDefault:"120s"`
	OCRBackoffInitialInterval time.Duration `env:"OCR_BACKOFF_INITIAL_INTERVAL" envDefault:"2s"`
	OCRBackoffMaxInterval     time.Duration `env:"OCR_BACKOFF_MAX_INTERVAL" envDefault:"20s"`
	OCRBackoffMultiplier      float64       `env:"OCR_BACKOFF_MULTIPLIER" envDefault:"1.5"`

	// Pricing
	MarginPercent int `env:"MARGIN_PERCENT" envDefault:"30"`

	// HTTP surface
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"50"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"docmd"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// DatabasePath returns the effective store location.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "service.db")
}

// TempDir returns the worker scratch directory.
func (c Config) TempDir() string { return filepath.Join(c.DataDir, "tmp") }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetOCRBackoffConfig returns backoff configuration appropriate for the
// current environment. Test environments use much shorter timeouts.
func (c Config) GetOCRBackoffConfig() (maxElapsedTime, initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 5 * time.Second, 100 * time.Millisecond, 1 * time.Second, 2.0
	}
	return c.OCRBackoffMaxElapsedTime, c.OCRBackoffInitialInterval, c.OCRBackoffMaxInterval, c.OCRBackoffMultiplier
}
