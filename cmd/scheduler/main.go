package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/app"
	"github.com/lalithlochan/herald/internal/automation"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/observ"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "scheduler")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "scheduler", logger)
	if err != nil {
		return err
	}
	defer a.Close()

	evaluator := automation.NewEvaluator(a.Repo, a.Repo, a.Dispatcher, a.Location, logger)

	// Ticks go to SQS when a queue is configured; otherwise jobs run here.
	var enqueuer worker.Enqueuer
	if a.Ticks != nil {
		enqueuer = a.Ticks
	}
	resumer := worker.NewResumer(a.Repo, a.Dispatcher, enqueuer, worker.Config{
		BatchSize:  cfg.TickWorkerLimit,
		StaleAfter: 2 * cfg.LeaseTTL,
		RatePerSec: cfg.TickRatePerSec,
	}, logger)

	cronLog := observ.NewCronLogger(logger)
	c := cron.New(
		cron.WithLocation(a.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := c.AddFunc(cfg.EvaluateSchedule, func() {
		evaluate(ctx, evaluator, resumer, logger)
	}); err != nil {
		return fmt.Errorf("invalid EVALUATE_SCHEDULE %q: %w", cfg.EvaluateSchedule, err)
	}
	if _, err := c.AddFunc(cfg.ResumeSchedule, func() {
		if _, err := resumer.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("resume run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid RESUME_SCHEDULE %q: %w", cfg.ResumeSchedule, err)
	}

	logger.Info("scheduler started",
		zap.String("evaluate", cfg.EvaluateSchedule),
		zap.String("resume", cfg.ResumeSchedule),
		zap.String("timezone", a.Location.String()),
		zap.Bool("queued_ticks", enqueuer != nil),
	)
	c.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for running jobs")
	select {
	case <-c.Stop().Done():
	case <-time.After(2 * time.Minute):
		logger.Warn("scheduled jobs did not finish in time")
	}
	return nil
}

// evaluate runs every automation flow and immediately starts the jobs it
// created.
func evaluate(ctx context.Context, evaluator *automation.Evaluator, resumer *worker.Resumer, logger *zap.Logger) {
	report, err := evaluator.Evaluate(ctx, time.Now())
	if err != nil {
		logger.Error("automation evaluation failed", zap.Error(err))
		return
	}
	for _, fr := range report.Flows {
		for _, id := range fr.JobIDs {
			if err := resumer.Kick(ctx, id); err != nil && ctx.Err() == nil {
				logger.Warn("failed to start automation job, resumer will retry",
					zap.Error(err),
					zap.String("job_id", id.String()),
				)
			}
		}
	}
}
