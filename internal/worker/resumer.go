// Package worker drives non-terminal jobs forward without a client polling
// continue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
)

type Repository interface {
	ListResumableJobs(ctx context.Context, limit int) ([]*db.BulkJob, error)
}

// Continuer is satisfied by *dispatch.Service.
type Continuer interface {
	Continue(ctx context.Context, id uuid.UUID) (*dispatch.Progress, error)
}

// Enqueuer is satisfied by *sqs.Producer.
type Enqueuer interface {
	EnqueueTick(ctx context.Context, jobID uuid.UUID, attempt int, delay time.Duration) (string, error)
}

type Config struct {
	BatchSize int
	// StaleAfter skips jobs touched more recently than this; a live client
	// or tick chain is still driving them.
	StaleAfter time.Duration
	// RatePerSec caps continue calls (or enqueued ticks) across all jobs.
	RatePerSec int
}

// Resumer picks up stranded jobs. With an Enqueuer set it hands each one to
// the tick queue, otherwise it runs them to completion in-process.
type Resumer struct {
	repo     Repository
	jobs     Continuer
	enqueuer Enqueuer
	limiter  *rate.Limiter
	config   Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewResumer(repo Repository, jobs Continuer, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Resumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 5
	}

	return &Resumer{
		repo:     repo,
		jobs:     jobs,
		enqueuer: enqueuer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// RunOnce handles one batch of stale jobs and returns how many it touched.
func (r *Resumer) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.repo.ListResumableJobs(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list resumable jobs: %w", err)
	}

	cutoff := r.now().Add(-r.config.StaleAfter)
	handled := 0
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.Kick(ctx, job.ID); err != nil {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			continue
		}
		handled++
	}

	if handled > 0 {
		r.logger.Info("resumed stale jobs", zap.Int("count", handled))
	}
	return handled, nil
}

// Kick starts driving one job: a tick when queued, otherwise in-process.
func (r *Resumer) Kick(ctx context.Context, id uuid.UUID) error {
	if r.enqueuer == nil {
		return r.drive(ctx, id)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := r.enqueuer.EnqueueTick(ctx, id, 0, 0); err != nil {
		r.logger.Error("failed to enqueue resume tick",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return err
	}
	return nil
}

// drive calls Continue until the job is terminal.
func (r *Resumer) drive(ctx context.Context, id uuid.UUID) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := r.jobs.Continue(ctx, id)
		if errors.Is(err, dispatch.ErrJobBusy) {
			r.logger.Debug("job busy, leaving to current holder", zap.String("job_id", id.String()))
			return nil
		}
		if err != nil {
			r.logger.Error("continue failed",
				zap.Error(err),
				zap.String("job_id", id.String()),
			)
			return err
		}
		if p.IsComplete {
			return nil
		}
	}
}
