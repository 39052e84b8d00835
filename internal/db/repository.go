package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for bulk jobs, the delivery log,
// quota ledgers, automation flows and the read-only directory tables.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	id, account_id, event_id, flow_id, message_kind, requested_channel,
	channel, template_id, shape, overrides, total_recipients,
	processed_count, success_count, failed_count, skipped_count,
	status, recipient_cursor, error_message, started_at, completed_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*BulkJob, error) {
	var job BulkJob
	err := row.Scan(
		&job.ID,
		&job.AccountID,
		&job.EventID,
		&job.FlowID,
		&job.MessageKind,
		&job.RequestedChannel,
		&job.Channel,
		&job.TemplateID,
		&job.Shape,
		&job.Overrides,
		&job.TotalRecipients,
		&job.ProcessedCount,
		&job.SuccessCount,
		&job.FailedCount,
		&job.SkippedCount,
		&job.Status,
		&job.RecipientCursor,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts the job and its recipient snapshot in one transaction.
// For automation jobs the per-flow notification marks are written in the
// same transaction, so a guest is marked exactly when a job exists for them.
func (r *Repository) CreateJob(ctx context.Context, job *BulkJob, recipients []Recipient) error {
	if job.Overrides == nil {
		job.Overrides = map[string]string{}
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO bulk_jobs (
				id, account_id, event_id, flow_id, message_kind, requested_channel,
				channel, template_id, shape, overrides, total_recipients, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			job.ID,
			job.AccountID,
			job.EventID,
			job.FlowID,
			job.MessageKind,
			job.RequestedChannel,
			job.Channel,
			job.TemplateID,
			job.Shape,
			job.Overrides,
			job.TotalRecipients,
			job.Status,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"bulk_job_recipients"},
			[]string{"job_id", "position", "guest_id", "name", "phone", "chat_id"},
			pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
				rc := recipients[i]
				return []any{job.ID, rc.Position, rc.GuestID, rc.Name, rc.Phone, rc.ChatID}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy recipients: %w", err)
		}

		if job.FlowID == nil {
			return nil
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"flow_notifications"},
			[]string{"flow_id", "guest_id", "job_id", "notified_at"},
			pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
				return []any{*job.FlowID, recipients[i].GuestID, job.ID, job.CreatedAt}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("mark flow notifications: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create bulk job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return err
	}

	r.logger.Info("bulk job created",
		zap.String("job_id", job.ID.String()),
		zap.String("account_id", job.AccountID.String()),
		zap.String("channel", job.Channel),
		zap.Int("total_recipients", job.TotalRecipients),
	)
	return nil
}

// GetJob retrieves a bulk job by ID
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get bulk job",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListRecipients returns up to limit snapshot entries starting at position offset.
func (r *Repository) ListRecipients(ctx context.Context, jobID uuid.UUID, offset, limit int) ([]Recipient, error) {
	query := `
		SELECT job_id, position, guest_id, name, phone, chat_id
		FROM bulk_job_recipients
		WHERE job_id = $1 AND position >= $2
		ORDER BY position ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(&rc.JobID, &rc.Position, &rc.GuestID, &rc.Name, &rc.Phone, &rc.ChatID); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return recipients, nil
}

// StartJob moves a PENDING job to PROCESSING. Any other state is returned as is.
func (r *Repository) StartJob(ctx context.Context, id uuid.UUID, now time.Time) (*BulkJob, error) {
	query := `
		UPDATE bulk_jobs
		SET status = 'PROCESSING', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return job, nil
}

// RecordChunk appends a chunk's delivery entries, advances the job's
// counters and cursor and applies rec.Charge in one transaction. The update
// only applies when the cursor still equals rec.FromCursor; otherwise
// ErrCursorMoved is returned and nothing is written. A job cancelled while
// the chunk was in flight keeps its CANCELLED status but still receives the
// chunk's counts.
func (r *Repository) RecordChunk(ctx context.Context, rec ChunkRecord) (*BulkJob, error) {
	var job *BulkJob

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if len(rec.Entries) > 0 {
			batch := &pgx.Batch{}
			for _, e := range rec.Entries {
				batch.Queue(`
					INSERT INTO delivery_log (
						id, job_id, recipient_id, channel, status, error_kind,
						provider_message_id, provider_response, attempted_at
					) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
					ON CONFLICT (job_id, recipient_id) DO NOTHING`,
					e.ID, e.JobID, e.RecipientID, e.Channel, e.Status, e.ErrorKind,
					e.ProviderMessageID, e.ProviderResponse, e.AttemptedAt,
				)
			}

			results := tx.SendBatch(ctx, batch)
			for _, e := range rec.Entries {
				tag, err := results.Exec()
				if err != nil {
					_ = results.Close()
					return fmt.Errorf("insert delivery entry: %w", err)
				}
				if tag.RowsAffected() == 0 {
					r.logger.Warn("duplicate delivery entry ignored",
						zap.String("job_id", e.JobID.String()),
						zap.String("recipient_id", e.RecipientID.String()),
						zap.String("status", e.Status),
					)
				}
			}
			if err := results.Close(); err != nil {
				return fmt.Errorf("close batch: %w", err)
			}
		}

		query := `
			UPDATE bulk_jobs SET
				processed_count = $3,
				recipient_cursor = $3,
				success_count = success_count + $4,
				failed_count = failed_count + $5,
				skipped_count = skipped_count + $6,
				status = CASE WHEN $7 AND status = 'PROCESSING' THEN 'COMPLETED' ELSE status END,
				completed_at = CASE WHEN $7 AND status = 'PROCESSING' THEN $8 ELSE completed_at END,
				updated_at = $8
			WHERE id = $1 AND recipient_cursor = $2
			RETURNING ` + jobColumns

		var err error
		job, err = scanJob(tx.QueryRow(ctx, query,
			rec.JobID, rec.FromCursor, rec.NewCursor,
			rec.Success, rec.Failed, rec.Skipped,
			rec.Complete, rec.Now,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCursorMoved
		}
		if err != nil {
			return fmt.Errorf("advance job: %w", err)
		}

		if c := rec.Charge; c != nil {
			return incrementQuota(ctx, tx, c.AccountID, c.PeriodStart, c.Channel, c.Count)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to record chunk",
			zap.Error(err),
			zap.String("job_id", rec.JobID.String()),
			zap.Int("from_cursor", rec.FromCursor),
		)
		return nil, err
	}

	return job, nil
}

// CancelJob sets CANCELLED when the job is still PENDING or PROCESSING.
// A job that is already terminal is returned unchanged.
func (r *Repository) CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*BulkJob, error) {
	query := `
		UPDATE bulk_jobs
		SET status = 'CANCELLED', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	r.logger.Info("bulk job cancelled", zap.String("job_id", id.String()))
	return job, nil
}

// FailJob marks a non-terminal job FAILED with a reason.
func (r *Repository) FailJob(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*BulkJob, error) {
	query := `
		UPDATE bulk_jobs
		SET status = 'FAILED', error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, reason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}

	r.logger.Warn("bulk job failed",
		zap.String("job_id", id.String()),
		zap.String("reason", reason),
	)
	return job, nil
}

// ListResumableJobs returns PENDING and PROCESSING jobs, oldest first.
func (r *Repository) ListResumableJobs(ctx context.Context, limit int) ([]*BulkJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM bulk_jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query resumable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BulkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// ListDeliveries returns a job's delivery log in attempt order.
func (r *Repository) ListDeliveries(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]DeliveryLogEntry, error) {
	query := `
		SELECT id, job_id, recipient_id, channel, status, error_kind,
			provider_message_id, provider_response, attempted_at
		FROM delivery_log
		WHERE job_id = $1
		ORDER BY attempted_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var entries []DeliveryLogEntry
	for rows.Next() {
		var e DeliveryLogEntry
		err := rows.Scan(
			&e.ID,
			&e.JobID,
			&e.RecipientID,
			&e.Channel,
			&e.Status,
			&e.ErrorKind,
			&e.ProviderMessageID,
			&e.ProviderResponse,
			&e.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
