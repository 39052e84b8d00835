// Package quota tracks per-account, per-channel sending allowance for the
// current billing period.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Unlimited is the conventional Remaining value for channels without a cap.
const Unlimited = -1

// Counter is the stored usage of one channel within one period.
type Counter struct {
	Sent  int `json:"sent"`
	Bonus int `json:"bonus"`
}

// Store persists per-period counters. Increment must be a single atomic
// operation on the backing store.
type Store interface {
	Usage(ctx context.Context, accountID uuid.UUID, periodStart time.Time) (map[string]Counter, error)
	Increment(ctx context.Context, accountID uuid.UUID, periodStart time.Time, channel string, n int) error
}

// PlanLookup returns the plan tier of an account.
type PlanLookup func(ctx context.Context, accountID uuid.UUID) (string, error)

// Tier maps channel → limit. A missing channel has no allowance.
type Tier map[string]int

// DefaultTiers is the plan table used when none is configured.
var DefaultTiers = map[string]Tier{
	"free":     {"chat": 100, "text": 25},
	"pro":      {"chat": 2000, "text": 500},
	"business": {"chat": Unlimited, "text": 5000},
}

// Period returns the start of the billing period containing t.
type Period func(t time.Time) time.Time

// MonthlyPeriod starts each period on the first of the month, UTC.
func MonthlyPeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ChannelUsage is one row of a usage snapshot.
type ChannelUsage struct {
	Channel   string `json:"channel"`
	Limit     int    `json:"limit"`
	Sent      int    `json:"sent"`
	Bonus     int    `json:"bonus"`
	Remaining int    `json:"remaining"`
}

// Usage is an account's quota picture for the current period.
type Usage struct {
	AccountID   uuid.UUID      `json:"accountId"`
	PlanTier    string         `json:"planTier"`
	PeriodStart time.Time      `json:"periodStart"`
	Channels    []ChannelUsage `json:"channels"`
}

type Ledger struct {
	store  Store
	plans  PlanLookup
	tiers  map[string]Tier
	period Period
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Ledger)

func WithTiers(tiers map[string]Tier) Option {
	return func(l *Ledger) { l.tiers = tiers }
}

func WithPeriod(p Period) Option {
	return func(l *Ledger) { l.period = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, plans PlanLookup, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		plans:  plans,
		tiers:  DefaultTiers,
		period: MonthlyPeriod,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Remaining returns how many sends of channel the account may still make
// this period, or Unlimited.
func (l *Ledger) Remaining(ctx context.Context, accountID uuid.UUID, channel string) (int, error) {
	tier, err := l.plans(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("lookup plan: %w", err)
	}

	limit, ok := l.tiers[tier][channel]
	if !ok {
		return 0, nil
	}
	if limit == Unlimited {
		return Unlimited, nil
	}

	usage, err := l.store.Usage(ctx, accountID, l.period(l.now()))
	if err != nil {
		return 0, fmt.Errorf("read quota usage: %w", err)
	}

	return remaining(limit, usage[channel]), nil
}

// Charge is a usage increment bound to the period it was earned in. A job
// store applies it in the same transaction that records the sends.
type Charge struct {
	AccountID   uuid.UUID
	PeriodStart time.Time
	Channel     string
	Count       int
}

// Charge prepares count confirmed sends for the current period. It returns
// nil when count <= 0.
func (l *Ledger) Charge(accountID uuid.UUID, channel string, count int) *Charge {
	if count <= 0 {
		return nil
	}
	return &Charge{
		AccountID:   accountID,
		PeriodStart: l.period(l.now()),
		Channel:     channel,
		Count:       count,
	}
}

// Commit records count confirmed sends. count <= 0 is a no-op.
func (l *Ledger) Commit(ctx context.Context, accountID uuid.UUID, channel string, count int) error {
	c := l.Charge(accountID, channel, count)
	if c == nil {
		return nil
	}

	if err := l.store.Increment(ctx, c.AccountID, c.PeriodStart, c.Channel, c.Count); err != nil {
		l.logger.Error("failed to commit quota usage",
			zap.Error(err),
			zap.String("account_id", accountID.String()),
			zap.String("channel", channel),
			zap.Int("count", count),
		)
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

// Snapshot returns limit, usage and remaining for every channel of the plan.
func (l *Ledger) Snapshot(ctx context.Context, accountID uuid.UUID) (*Usage, error) {
	tierName, err := l.plans(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup plan: %w", err)
	}

	start := l.period(l.now())
	counters, err := l.store.Usage(ctx, accountID, start)
	if err != nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}

	out := &Usage{AccountID: accountID, PlanTier: tierName, PeriodStart: start}
	for _, ch := range []string{"chat", "text"} {
		limit, ok := l.tiers[tierName][ch]
		if !ok {
			limit = 0
		}
		c := counters[ch]
		rem := Unlimited
		if limit != Unlimited {
			rem = remaining(limit, c)
		}
		out.Channels = append(out.Channels, ChannelUsage{
			Channel:   ch,
			Limit:     limit,
			Sent:      c.Sent,
			Bonus:     c.Bonus,
			Remaining: rem,
		})
	}
	return out, nil
}

func remaining(limit int, c Counter) int {
	r := limit + c.Bonus - c.Sent
	if r < 0 {
		return 0
	}
	return r
}
