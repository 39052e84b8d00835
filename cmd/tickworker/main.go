package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/app"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SQSTickQueueURL == "" {
		return errors.New("SQS_TICK_QUEUE_URL is required")
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "tickworker")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "tickworker", logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Ticks == nil {
		return errors.New("sqs client unavailable")
	}

	// Visibility must outlast one chunk so a slow continue is not redelivered.
	consumer := sqs.NewConsumer(a.SQS, cfg.SQSTickQueueURL, cfg.LeaseTTL, logger)
	w := worker.NewTickWorker(consumer, a.Dispatcher, a.Ticks, worker.TickConfig{
		Delay:       cfg.TickDelay,
		Concurrency: cfg.TickWorkerLimit,
		RatePerSec:  cfg.TickRatePerSec,
	}, logger)

	logger.Info("tick worker started",
		zap.String("queue_url", cfg.SQSTickQueueURL),
		zap.Int("concurrency", cfg.TickWorkerLimit),
	)
	w.Start(ctx)
	return nil
}
