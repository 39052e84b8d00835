package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobLease is a per-job lease held on the bulk_jobs row itself. It backs
// deployments that run without Redis; the token check keeps a holder whose
// lease expired from releasing its successor's.
type JobLease struct {
	r *Repository
}

func (r *Repository) JobLease() *JobLease {
	return &JobLease{r: r}
}

func (l *JobLease) Acquire(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	token := uuid.New()

	query := `
		UPDATE bulk_jobs
		SET lease_token = $2, lease_until = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND (lease_until IS NULL OR lease_until < NOW())
	`

	tag, err := l.r.db.Pool().Exec(ctx, query, jobID, token, ttl.Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("acquire job lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		l.r.logger.Debug("job lease held elsewhere", zap.String("job_id", jobID.String()))
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, err := l.r.db.Pool().Exec(rctx, `
			UPDATE bulk_jobs SET lease_token = NULL, lease_until = NULL
			WHERE id = $1 AND lease_token = $2`,
			jobID, token,
		)
		if err != nil {
			l.r.logger.Warn("failed to release job lease",
				zap.Error(err),
				zap.String("job_id", jobID.String()),
			)
		}
	}
	return release, true, nil
}
