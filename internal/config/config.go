package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisPoolSize  int

	// AWS Services
	AWSRegion        string
	SNSRegion        string // AWS region for SNS (short-text channel)
	SMSSenderID      string
	SESFromEmail     string // empty disables completion reports
	SQSRegion        string
	SQSTickQueueURL  string // empty disables queued ticks
	TickDelay        time.Duration
	TickRatePerSec   int
	TickWorkerLimit  int
	TelegramToken    string // empty falls back to the log sender
	TelegramAPIURL   string
	SendTimeout      time.Duration
	ChannelsDevMode  bool // log-only senders for every channel
	ResponseBaseURL  string
	APIRateLimit     int
	APIRateWindow    time.Duration
	IdempotencyTTL   time.Duration
	EvaluateSchedule string
	ResumeSchedule   string
	Timezone         string

	// Dispatcher tuning
	ChunkSize     int
	SubBatchSize  int
	Concurrency   int
	BatchDelay    time.Duration
	WaveDelay     time.Duration
	LeaseTTL      time.Duration
	MaxRecipients int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "herald",
		DBName:    "herald",
		DBSSLMode: "disable",

		RedisHost:      "localhost",
		RedisPort:      6379,
		RedisKeyPrefix: "herald",
		RedisPoolSize:  10,

		AWSRegion:        "us-east-1",
		TickDelay:        2 * time.Second,
		TickRatePerSec:   5,
		TickWorkerLimit:  50,
		TelegramAPIURL:   "https://api.telegram.org",
		SendTimeout:      5 * time.Second,
		ResponseBaseURL:  "http://localhost:3000",
		APIRateLimit:     120,
		APIRateWindow:    time.Minute,
		IdempotencyTTL:   24 * time.Hour,
		EvaluateSchedule: "@every 5m",
		ResumeSchedule:   "@every 15s",
		Timezone:         "UTC",

		ChunkSize:     10,
		SubBatchSize:  10,
		Concurrency:   5,
		BatchDelay:    1100 * time.Millisecond,
		WaveDelay:     200 * time.Millisecond,
		LeaseTTL:      2 * time.Minute,
		MaxRecipients: 1000,
	}

	if err := intVar("PORT", &cfg.Port); err != nil {
		return nil, err
	}
	stringVar("LOG_LEVEL", &cfg.LogLevel)
	stringVar("ENV", &cfg.Env)

	stringVar("DB_HOST", &cfg.DBHost)
	if err := intVar("DB_PORT", &cfg.DBPort); err != nil {
		return nil, err
	}
	stringVar("DB_USER", &cfg.DBUser)
	stringVar("DB_PASSWORD", &cfg.DBPassword)
	stringVar("DB_NAME", &cfg.DBName)
	stringVar("DB_SSLMODE", &cfg.DBSSLMode)

	stringVar("REDIS_HOST", &cfg.RedisHost)
	if err := intVar("REDIS_PORT", &cfg.RedisPort); err != nil {
		return nil, err
	}
	stringVar("REDIS_PASSWORD", &cfg.RedisPassword)
	if err := intVar("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}
	stringVar("REDIS_KEY_PREFIX", &cfg.RedisKeyPrefix)
	if err := intVar("REDIS_POOL_SIZE", &cfg.RedisPoolSize); err != nil {
		return nil, err
	}

	stringVar("AWS_REGION", &cfg.AWSRegion)
	cfg.SNSRegion = cfg.AWSRegion
	stringVar("SNS_REGION", &cfg.SNSRegion)
	stringVar("SMS_SENDER_ID", &cfg.SMSSenderID)
	stringVar("SES_FROM_EMAIL", &cfg.SESFromEmail)
	cfg.SQSRegion = cfg.AWSRegion
	stringVar("SQS_REGION", &cfg.SQSRegion)
	stringVar("SQS_TICK_QUEUE_URL", &cfg.SQSTickQueueURL)
	if err := durationVar("TICK_DELAY", &cfg.TickDelay); err != nil {
		return nil, err
	}
	if err := intVar("TICK_RATE_PER_SEC", &cfg.TickRatePerSec); err != nil {
		return nil, err
	}
	if err := intVar("TICK_WORKER_LIMIT", &cfg.TickWorkerLimit); err != nil {
		return nil, err
	}

	stringVar("TELEGRAM_TOKEN", &cfg.TelegramToken)
	stringVar("TELEGRAM_API_URL", &cfg.TelegramAPIURL)
	if err := durationVar("SEND_TIMEOUT", &cfg.SendTimeout); err != nil {
		return nil, err
	}
	if v := os.Getenv("CHANNELS_DEV_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHANNELS_DEV_MODE: %w", err)
		}
		cfg.ChannelsDevMode = b
	}
	stringVar("RESPONSE_BASE_URL", &cfg.ResponseBaseURL)

	if err := intVar("API_RATE_LIMIT", &cfg.APIRateLimit); err != nil {
		return nil, err
	}
	if err := durationVar("API_RATE_WINDOW", &cfg.APIRateWindow); err != nil {
		return nil, err
	}
	if err := durationVar("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL); err != nil {
		return nil, err
	}

	stringVar("EVALUATE_SCHEDULE", &cfg.EvaluateSchedule)
	stringVar("RESUME_SCHEDULE", &cfg.ResumeSchedule)
	stringVar("SCHEDULER_TZ", &cfg.Timezone)

	if err := intVar("CHUNK_SIZE", &cfg.ChunkSize); err != nil {
		return nil, err
	}
	if err := intVar("SUB_BATCH_SIZE", &cfg.SubBatchSize); err != nil {
		return nil, err
	}
	if err := intVar("SEND_CONCURRENCY", &cfg.Concurrency); err != nil {
		return nil, err
	}
	if err := durationVar("BATCH_DELAY", &cfg.BatchDelay); err != nil {
		return nil, err
	}
	if err := durationVar("WAVE_DELAY", &cfg.WaveDelay); err != nil {
		return nil, err
	}
	if err := durationVar("JOB_LEASE_TTL", &cfg.LeaseTTL); err != nil {
		return nil, err
	}
	if err := intVar("MAX_RECIPIENTS", &cfg.MaxRecipients); err != nil {
		return nil, err
	}

	if cfg.ChunkSize <= 0 || cfg.SubBatchSize <= 0 || cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE, SUB_BATCH_SIZE and SEND_CONCURRENCY must be positive")
	}

	return cfg, nil
}

func stringVar(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intVar(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// durationVar accepts Go durations ("1500ms") or a bare number of seconds.
func durationVar(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
