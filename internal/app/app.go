// Package app assembles the dispatcher and its collaborators from config.
// Every binary that continues jobs builds it the same way.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/compose"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/quota"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/report"
	"github.com/lalithlochan/herald/internal/sqs"
)

// App holds the long-lived pieces shared by the commands.
type App struct {
	DB         *db.DB
	Repo       *db.Repository
	Redis      *redis.Client // nil if Redis not configured
	Ledger     *quota.Ledger
	Senders    *channel.Registry
	Dispatcher *dispatch.Service
	Ticks      *sqs.Producer // nil if SQS not configured
	SQS        sqs.API       // nil if SQS not configured
	Location   *time.Location
}

// New connects to Postgres (required) and Redis (optional) and wires the
// dispatcher. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, service string, logger *zap.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		AppName:  "herald-" + service,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	repo := db.NewRepository(database, logger)

	a := &App{DB: database, Repo: repo, Location: loc}

	a.Redis, err = redis.New(ctx, redis.Config{
		Host:      cfg.RedisHost,
		Port:      cfg.RedisPort,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisKeyPrefix,
		PoolSize:  cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using row leases; idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		a.Redis = nil
	}

	a.Senders, err = buildSenders(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = quota.NewLedger(repo.QuotaStore(), repo.PlanTier, logger)

	var lease dispatch.Lease = repo.JobLease()
	if a.Redis != nil {
		lease = redis.NewJobLease(a.Redis, logger)
	}
	opts := []dispatch.Option{dispatch.WithLease(lease)}
	if cfg.SESFromEmail != "" {
		client, err := report.NewClient(ctx, report.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail})
		if err != nil {
			logger.Warn("SES unavailable, job reports disabled", zap.Error(err))
		} else {
			opts = append(opts, dispatch.WithReporter(report.NewSESReporter(client, repo, cfg.SESFromEmail, logger)))
		}
	}

	composer := compose.New(compose.DefaultCatalog, cfg.ResponseBaseURL, loc)
	a.Dispatcher = dispatch.NewService(repo, repo, a.Ledger, composer, a.Senders, dispatch.Config{
		ChunkSize:     cfg.ChunkSize,
		SubBatchSize:  cfg.SubBatchSize,
		Concurrency:   cfg.Concurrency,
		BatchDelay:    cfg.BatchDelay,
		WaveDelay:     cfg.WaveDelay,
		LeaseTTL:      cfg.LeaseTTL,
		MaxRecipients: cfg.MaxRecipients,
	}, logger, opts...)

	if cfg.SQSTickQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSTickQueueURL})
		if err != nil {
			logger.Warn("sqs unavailable, ticks will not be enqueued", zap.Error(err))
		} else {
			a.SQS = client
			a.Ticks = sqs.NewProducer(client, cfg.SQSTickQueueURL, logger)
		}
	}

	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.DB.Close()
}

// buildSenders registers one sender per configured channel, each behind a
// per-send timeout and a circuit breaker.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channel.Registry, error) {
	if cfg.ChannelsDevMode {
		logger.Warn("channels in dev mode, messages are only logged")
		return channel.NewRegistry(
			channel.NewLogSender(channel.Chat, 20, logger),
			channel.NewLogSender(channel.Text, 1, logger),
		), nil
	}

	var senders []channel.Sender

	if cfg.TelegramToken != "" {
		chat, err := channel.NewChatSender(channel.ChatConfig{
			Token:   cfg.TelegramToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.SendTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat sender: %w", err)
		}
		senders = append(senders, chat)
	} else {
		logger.Warn("TELEGRAM_TOKEN not set, chat channel disabled")
	}

	text, err := channel.NewTextSender(ctx, channel.TextConfig{
		Region:   cfg.SNSRegion,
		SenderID: cfg.SMSSenderID,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, text channel disabled", zap.Error(err))
	} else {
		senders = append(senders, text)
	}

	wrapped := make([]channel.Sender, 0, len(senders))
	for _, s := range senders {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(s.Channel()), logger)
		wrapped = append(wrapped, circuitbreaker.NewProtectedSender(channel.WithTimeout(s, cfg.SendTimeout), breaker, logger))
	}

	logger.Info("initialized channel senders",
		zap.Int("count", len(wrapped)),
	)
	return channel.NewRegistry(wrapped...), nil
}
