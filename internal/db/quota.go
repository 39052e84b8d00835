package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/quota"
)

// QuotaStore adapts Repository to quota.Store.
func (r *Repository) QuotaStore() quota.Store {
	return quotaStore{r}
}

type quotaStore struct{ r *Repository }

func (s quotaStore) Usage(ctx context.Context, accountID uuid.UUID, periodStart time.Time) (map[string]quota.Counter, error) {
	query := `
		SELECT channel, sent, bonus
		FROM quota_ledgers
		WHERE account_id = $1 AND period_start = $2
	`

	rows, err := s.r.db.Pool().Query(ctx, query, accountID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("query quota: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]quota.Counter)
	for rows.Next() {
		var ch string
		var c quota.Counter
		if err := rows.Scan(&ch, &c.Sent, &c.Bonus); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		usage[ch] = c
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return usage, nil
}

// A single upsert so concurrent jobs of one account never lose updates.
const incrementQuotaQuery = `
	INSERT INTO quota_ledgers (account_id, period_start, channel, sent)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (account_id, period_start, channel)
	DO UPDATE SET sent = quota_ledgers.sent + EXCLUDED.sent
`

// execer is satisfied by both the pool and a pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func incrementQuota(ctx context.Context, q execer, accountID uuid.UUID, periodStart time.Time, channel string, n int) error {
	if _, err := q.Exec(ctx, incrementQuotaQuery, accountID, periodStart, channel, n); err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

func (s quotaStore) Increment(ctx context.Context, accountID uuid.UUID, periodStart time.Time, channel string, n int) error {
	if err := incrementQuota(ctx, s.r.db.Pool(), accountID, periodStart, channel, n); err != nil {
		return err
	}

	s.r.logger.Debug("quota committed",
		zap.String("account_id", accountID.String()),
		zap.String("channel", channel),
		zap.Int("count", n),
	)
	return nil
}

// PlanTier returns the plan tier of a live account. Usable as quota.PlanLookup.
func (r *Repository) PlanTier(ctx context.Context, accountID uuid.UUID) (string, error) {
	var tier string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT plan_tier FROM accounts WHERE id = $1 AND deleted_at IS NULL`,
		accountID,
	).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query plan tier: %w", err)
	}
	return tier, nil
}
