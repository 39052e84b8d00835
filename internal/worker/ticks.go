package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/sqs"
)

// TickSource is satisfied by *sqs.Consumer.
type TickSource interface {
	Receive(ctx context.Context, n int32) ([]sqs.Tick, error)
	Delete(ctx context.Context, receiptHandle string) error
	Defer(ctx context.Context, receiptHandle string, d time.Duration) error
}

type TickConfig struct {
	// Delay between a finished chunk and the job's next tick.
	Delay time.Duration
	// Concurrency bounds ticks handled at once.
	Concurrency int
	RatePerSec  int
	// RetryAfter is how long a failed tick stays invisible before redelivery.
	RetryAfter time.Duration
}

// TickWorker continues one chunk per tick and re-enqueues the job until it
// is terminal.
type TickWorker struct {
	source   TickSource
	jobs     Continuer
	enqueuer Enqueuer
	limiter  *rate.Limiter
	config   TickConfig
	logger   *zap.Logger
}

func NewTickWorker(source TickSource, jobs Continuer, enqueuer Enqueuer, cfg TickConfig, logger *zap.Logger) *TickWorker {
	if cfg.Delay == 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 30 * time.Second
	}

	return &TickWorker{
		source:   source,
		jobs:     jobs,
		enqueuer: enqueuer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		config:   cfg,
		logger:   logger,
	}
}

func (w *TickWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("tick worker stopping")
			return
		default:
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("tick batch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// RunOnce receives one batch of ticks and handles them concurrently.
func (w *TickWorker) RunOnce(ctx context.Context) (int, error) {
	ticks, err := w.source.Receive(ctx, int32(min(w.config.Concurrency, 10)))
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)
	for _, t := range ticks {
		g.Go(func() error {
			if err := w.limiter.Wait(gctx); err != nil {
				return err
			}
			w.handle(gctx, t)
			return nil
		})
	}
	return len(ticks), g.Wait()
}

func (w *TickWorker) handle(ctx context.Context, t sqs.Tick) {
	log := w.logger.With(zap.String("job_id", t.JobID.String()), zap.Int("attempt", t.Attempt))

	p, err := w.jobs.Continue(ctx, t.JobID)
	switch {
	case errors.Is(err, dispatch.ErrJobBusy):
		// The holder of the lease owns the chain.
		log.Debug("job busy, dropping tick")
	case err != nil:
		log.Error("continue failed, tick will be redelivered", zap.Error(err))
		if derr := w.source.Defer(ctx, t.ReceiptHandle, w.config.RetryAfter); derr != nil {
			log.Warn("failed to defer tick", zap.Error(derr))
		}
		return
	case !p.IsComplete:
		if _, err := w.enqueuer.EnqueueTick(ctx, t.JobID, t.Attempt+1, w.config.Delay); err != nil {
			log.Error("failed to enqueue next tick", zap.Error(err))
			if derr := w.source.Defer(ctx, t.ReceiptHandle, w.config.Delay); derr != nil {
				log.Warn("failed to defer tick", zap.Error(derr))
			}
			return
		}
	default:
		log.Info("job reached terminal state", zap.String("status", p.Status))
	}

	if err := w.source.Delete(ctx, t.ReceiptHandle); err != nil {
		log.Warn("failed to delete tick", zap.Error(err))
	}
}
