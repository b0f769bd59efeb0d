package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/llm"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/MimeLyc/mediacards/pkg/icron"
	"github.com/MimeLyc/mediacards/pkg/log"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

// Config holds all application configuration. Values come from environment
// variables, optionally seeded from a .env file in the working directory.
//
// Secrets (required):
// - FILE_PROCESSING_WEBHOOK_SECRET: HMAC key of storage webhooks
// - JOB_WORKER_SECRET: bearer token of /worker/pull and POST /api/jobs
// - CRON_SECRET: shared secret of /cron/tick and the administrative routes
//
// Store:
// - STORE_DRIVER: sqlite, postgres or memory (default: sqlite)
// - DATA_DIR: directory of the SQLite database (default: /app/data)
// - DATABASE_URL: PostgreSQL URL, required for the postgres driver
//
// Object storage (disabled unless MINIO_ENDPOINT is set):
// - MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_USE_SSL, MINIO_REGION
// - INGEST_BUCKET, MEDIA_BUCKET, DERIVED_BUCKET, MINIO_CREATE_BUCKETS
//
// Content processing:
// - AI_PROVIDER: openai or local (default: local)
// - OPENAI_API_KEY, OPENAI_API_URL, OPENAI_MODEL, OPENAI_VISION_MODEL,
//   OPENAI_MAX_TOKENS, OPENAI_TEMPERATURE, OPENAI_TIMEOUT, OPENAI_ORGANIZATION
//
// Scheduling:
// - CRON_EXPR: in-process tick schedule, "off" disables it (default: @every 1m)
// - MAINTENANCE_CRON_EXPR: stuck-job and retention sweep, "off" disables it (default: */5 * * * *)
// - TICK_ITERATIONS, TICK_DELAY, MAX_TICK_ITERATIONS, JOB_TIMEOUT, RETENTION_DAYS
// - WORKER_PULL_URL: base URL of a remote worker; ticks run in process when empty
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Secrets   SecretsConfig   `json:"-"`
	Store     StoreConfig     `json:"store"`
	Storage   StorageConfig   `json:"storage"`
	AI        AIConfig        `json:"ai"`
	Events    EventsConfig    `json:"events"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ingest    IngestConfig    `json:"ingest"`
	Log       LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type SecretsConfig struct {
	Webhook string
	Worker  string
	Cron    string
}

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type StoreConfig struct {
	Driver      string `json:"driver"`
	DataDir     string `json:"data_dir"`
	DatabaseURL string `json:"-"`
}

// DBPath is the SQLite database file.
func (c StoreConfig) DBPath() string {
	return filepath.Join(c.DataDir, "mediacards.db")
}

type StorageConfig struct {
	Endpoint      string          `json:"endpoint"`
	AccessKey     string          `json:"-"`
	SecretKey     string          `json:"-"`
	UseSSL        bool            `json:"use_ssl"`
	Region        string          `json:"region"`
	Buckets       storage.Buckets `json:"buckets"`
	CreateBuckets bool            `json:"create_buckets"`
}

func (c StorageConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c StorageConfig) MinIO() *storage.Config {
	return &storage.Config{
		Endpoint:      c.Endpoint,
		AccessKey:     c.AccessKey,
		SecretKey:     c.SecretKey,
		UseSSL:        c.UseSSL,
		Region:        c.Region,
		Buckets:       c.Buckets,
		CreateBuckets: c.CreateBuckets,
	}
}

type AIConfig struct {
	Provider string     `json:"provider"`
	LLM      llm.Config `json:"-"`
}

func (c AIConfig) ProviderConfig() ai.Config {
	return ai.Config{Provider: c.Provider, LLM: c.LLM, Retry: retry.DefaultPolicy()}
}

type EventsConfig struct {
	Driver  string `json:"driver"`
	NATSURL string `json:"nats_url"`
	AMQPURL string `json:"-"`
	Subject string `json:"subject"`
}

func (c EventsConfig) Publisher() events.Config {
	return events.Config{Driver: c.Driver, NATSURL: c.NATSURL, AMQPURL: c.AMQPURL, Subject: c.Subject}
}

type RateLimitConfig struct {
	// Driver is "memory" or "redis".
	Driver        string `json:"driver"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db"`
}

type SchedulerConfig struct {
	TickExpr        string        `json:"tick_expr"`
	MaintenanceExpr string        `json:"maintenance_expr"`
	Iterations      int           `json:"iterations"`
	Delay           time.Duration `json:"delay"`
	MaxIterations   int           `json:"max_iterations"`
	JobTimeout      time.Duration `json:"job_timeout"`
	RetentionDays   int           `json:"retention_days"`
	WorkerPullURL   string        `json:"worker_pull_url"`
}

type IngestConfig struct {
	MaxFileSize int64 `json:"max_file_size"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv loads .env when present and builds a validated Config from the
// environment. Variables already set take precedence over .env entries.
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Secrets: SecretsConfig{
			Webhook: getEnvString("FILE_PROCESSING_WEBHOOK_SECRET", ""),
			Worker:  getEnvString("JOB_WORKER_SECRET", ""),
			Cron:    getEnvString("CRON_SECRET", ""),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnvString("STORE_DRIVER", StoreSQLite)),
			DataDir:     getEnvString("DATA_DIR", "/app/data"),
			DatabaseURL: getEnvString("DATABASE_URL", ""),
		},
		Storage: StorageConfig{
			Endpoint:  getEnvString("MINIO_ENDPOINT", ""),
			AccessKey: getEnvString("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnvString("MINIO_SECRET_KEY", ""),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			Region:    getEnvString("MINIO_REGION", "us-east-1"),
			Buckets: storage.Buckets{
				Ingest:  getEnvString("INGEST_BUCKET", storage.DefaultBuckets().Ingest),
				Media:   getEnvString("MEDIA_BUCKET", storage.DefaultBuckets().Media),
				Derived: getEnvString("DERIVED_BUCKET", storage.DefaultBuckets().Derived),
			},
			CreateBuckets: getEnvBool("MINIO_CREATE_BUCKETS", false),
		},
		AI: AIConfig{
			Provider: strings.ToLower(getEnvString("AI_PROVIDER", ai.ProviderLocal)),
			LLM: llm.Config{
				APIKey:       getEnvString("OPENAI_API_KEY", ""),
				APIURL:       getEnvString("OPENAI_API_URL", "https://api.openai.com/v1"),
				Model:        getEnvString("OPENAI_MODEL", "gpt-4o-mini"),
				VisionModel:  getEnvString("OPENAI_VISION_MODEL", ""),
				MaxTokens:    getEnvInt("OPENAI_MAX_TOKENS", 2000),
				Temperature:  getEnvFloat("OPENAI_TEMPERATURE", 0.3),
				Timeout:      getEnvInt("OPENAI_TIMEOUT", 60),
				Organization: getEnvString("OPENAI_ORGANIZATION", ""),
			},
		},
		Events: EventsConfig{
			Driver:  strings.ToLower(getEnvString("EVENTS_DRIVER", "none")),
			NATSURL: getEnvString("NATS_URL", ""),
			AMQPURL: getEnvString("AMQP_URL", ""),
			Subject: getEnvString("EVENTS_SUBJECT", events.DefaultSubject),
		},
		RateLimit: RateLimitConfig{
			Driver:        strings.ToLower(getEnvString("RATE_LIMIT_DRIVER", "memory")),
			RedisAddr:     getEnvString("REDIS_ADDR", ""),
			RedisPassword: getEnvString("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			TickExpr:        scheduleExpr("CRON_EXPR", "@every 1m"),
			MaintenanceExpr: scheduleExpr("MAINTENANCE_CRON_EXPR", "*/5 * * * *"),
			Iterations:      getEnvInt("TICK_ITERATIONS", 1),
			Delay:           getEnvDuration("TICK_DELAY", time.Second),
			MaxIterations:   getEnvInt("MAX_TICK_ITERATIONS", 20),
			JobTimeout:      getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
			RetentionDays:   getEnvInt("RETENTION_DAYS", jobs.DefaultRetentionDays),
			WorkerPullURL:   getEnvString("WORKER_PULL_URL", ""),
		},
		Ingest: IngestConfig{
			MaxFileSize: int64(getEnvInt("MAX_FILE_SIZE", 100*1024*1024)),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnvString("LOG_FORMAT", string(log.FormatText))),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"store":      config.Store.Driver,
		"ai":         config.AI.Provider,
		"events":     config.Events.Driver,
		"rate_limit": config.RateLimit.Driver,
		"storage":    config.Storage.Enabled(),
	}).Info("Configuration loaded")
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	var problems []string
	for name, v := range c.RequiredSettings() {
		if v == "" {
			problems = append(problems, name+" is required")
		}
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.DataDir == "" {
			problems = append(problems, "DATA_DIR is required for the sqlite store")
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unsupported STORE_DRIVER: %s", c.Store.Driver))
	}

	switch c.AI.Provider {
	case ai.ProviderLocal:
	case ai.ProviderOpenAI:
		if c.AI.LLM.APIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported AI_PROVIDER: %s", c.AI.Provider))
	}

	switch c.RateLimit.Driver {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis rate limiter")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported RATE_LIMIT_DRIVER: %s", c.RateLimit.Driver))
	}

	for name, expr := range map[string]string{
		"CRON_EXPR":             c.Scheduler.TickExpr,
		"MAINTENANCE_CRON_EXPR": c.Scheduler.MaintenanceExpr,
	} {
		if expr == "" {
			continue
		}
		if _, err := icron.Parse(expr); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if c.Scheduler.Iterations < 1 {
		problems = append(problems, "TICK_ITERATIONS must be at least 1")
	}
	if c.Scheduler.RetentionDays < 1 {
		problems = append(problems, "RETENTION_DAYS must be at least 1")
	}
	if c.Ingest.MaxFileSize < 1 {
		problems = append(problems, "MAX_FILE_SIZE must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// RequiredSettings maps each required secret to its value.
func (c *Config) RequiredSettings() map[string]string {
	return map[string]string{
		"FILE_PROCESSING_WEBHOOK_SECRET": c.Secrets.Webhook,
		"JOB_WORKER_SECRET":              c.Secrets.Worker,
		"CRON_SECRET":                    c.Secrets.Cron,
	}
}

// OptionalSettings maps optional integrations to their configured value.
func (c *Config) OptionalSettings() map[string]string {
	return map[string]string{
		"DATABASE_URL":   c.Store.DatabaseURL,
		"MINIO_ENDPOINT": c.Storage.Endpoint,
		"OPENAI_API_KEY": c.AI.LLM.APIKey,
		"REDIS_ADDR":     c.RateLimit.RedisAddr,
		"NATS_URL":       c.Events.NATSURL,
		"AMQP_URL":       c.Events.AMQPURL,
	}
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// scheduleExpr reads a cron expression; "off" yields an empty schedule.
func scheduleExpr(key, defaultValue string) string {
	expr := getEnvString(key, defaultValue)
	if strings.EqualFold(expr, "off") {
		return ""
	}
	return expr
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") or bare milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Warn("Ignoring invalid %s=%q", key, value)
	return defaultValue
}
