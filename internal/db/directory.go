package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetAccount returns a live account.
func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, plan_tier, email FROM accounts WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&a.ID, &a.PlanTier, &a.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// GetEvent returns a live event.
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	query := `
		SELECT id, account_id, name, starts_at, venue, rsvp_deadline
		FROM events
		WHERE id = $1 AND deleted_at IS NULL
	`

	var e Event
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.AccountID,
		&e.Name,
		&e.StartsAt,
		&e.Venue,
		&e.RSVPDeadline,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return &e, nil
}

// ResolveRecipients returns the event's guests matching filter in a stable
// order (creation time, then id).
func (r *Repository) ResolveRecipients(ctx context.Context, eventID uuid.UUID, filter RecipientFilter) ([]Guest, error) {
	query := `
		SELECT id, event_id, name, COALESCE(phone, ''), COALESCE(chat_id, ''),
			rsvp_status, invited_at, responded_at, created_at
		FROM guests
		WHERE event_id = $1
			AND ($2::text[] IS NULL OR rsvp_status = ANY($2))
			AND ($3::uuid[] IS NULL OR id = ANY($3))
		ORDER BY created_at ASC, id ASC
	`

	var statuses []string
	if len(filter.RSVPStatuses) > 0 {
		statuses = filter.RSVPStatuses
	}
	var ids []uuid.UUID
	if len(filter.GuestIDs) > 0 {
		ids = filter.GuestIDs
	}

	rows, err := r.db.Pool().Query(ctx, query, eventID, statuses, ids)
	if err != nil {
		return nil, fmt.Errorf("query guests: %w", err)
	}
	defer rows.Close()

	var guests []Guest
	for rows.Next() {
		var g Guest
		err := rows.Scan(
			&g.ID,
			&g.EventID,
			&g.Name,
			&g.Phone,
			&g.ChatID,
			&g.RSVPStatus,
			&g.InvitedAt,
			&g.RespondedAt,
			&g.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan guest: %w", err)
		}
		guests = append(guests, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return guests, nil
}
