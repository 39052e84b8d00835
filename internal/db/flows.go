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

const flowColumns = `
	id, account_id, event_id, name, trigger_type, offset_hours,
	message_kind, channel, shape, template_id, status, created_at, updated_at`

func scanFlow(row pgx.Row) (*AutomationFlow, error) {
	var f AutomationFlow
	err := row.Scan(
		&f.ID,
		&f.AccountID,
		&f.EventID,
		&f.Name,
		&f.TriggerType,
		&f.OffsetHours,
		&f.MessageKind,
		&f.Channel,
		&f.Shape,
		&f.TemplateID,
		&f.Status,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) CreateFlow(ctx context.Context, f *AutomationFlow) error {
	query := `
		INSERT INTO automation_flows (
			id, account_id, event_id, name, trigger_type, offset_hours,
			message_kind, channel, shape, template_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		f.ID,
		f.AccountID,
		f.EventID,
		f.Name,
		f.TriggerType,
		f.OffsetHours,
		f.MessageKind,
		f.Channel,
		f.Shape,
		f.TemplateID,
		f.Status,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create flow",
			zap.Error(err),
			zap.String("flow_id", f.ID.String()),
		)
		return fmt.Errorf("insert flow: %w", err)
	}

	r.logger.Info("automation flow created",
		zap.String("flow_id", f.ID.String()),
		zap.String("trigger", f.TriggerType),
	)
	return nil
}

func (r *Repository) GetFlow(ctx context.Context, id uuid.UUID) (*AutomationFlow, error) {
	f, err := scanFlow(r.db.Pool().QueryRow(ctx,
		`SELECT `+flowColumns+` FROM automation_flows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query flow: %w", err)
	}
	return f, nil
}

// ListFlows returns an event's flows, newest first.
func (r *Repository) ListFlows(ctx context.Context, eventID uuid.UUID) ([]*AutomationFlow, error) {
	return r.queryFlows(ctx,
		`SELECT `+flowColumns+` FROM automation_flows WHERE event_id = $1 ORDER BY created_at DESC`,
		eventID)
}

func (r *Repository) ListActiveFlows(ctx context.Context) ([]*AutomationFlow, error) {
	return r.queryFlows(ctx,
		`SELECT `+flowColumns+` FROM automation_flows WHERE status = 'ACTIVE' ORDER BY created_at ASC`)
}

func (r *Repository) queryFlows(ctx context.Context, query string, args ...any) ([]*AutomationFlow, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var flows []*AutomationFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return flows, nil
}

// UpdateFlowStatus changes only the status. The flow's notification marks
// are untouched, so re-activating a flow never re-notifies its guests.
func (r *Repository) UpdateFlowStatus(ctx context.Context, id uuid.UUID, status string, now time.Time) (*AutomationFlow, error) {
	query := `
		UPDATE automation_flows SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + flowColumns

	f, err := scanFlow(r.db.Pool().QueryRow(ctx, query, id, status, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update flow status: %w", err)
	}
	return f, nil
}

// NotifiedGuests returns the guests already marked for a flow.
func (r *Repository) NotifiedGuests(ctx context.Context, flowID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT guest_id FROM flow_notifications WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query flow notifications: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guest id: %w", err)
		}
		seen[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return seen, nil
}
