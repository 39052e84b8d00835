package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func newTestLedger(tier string) (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	plans := func(context.Context, uuid.UUID) (string, error) { return tier, nil }
	l := NewLedger(store, plans, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	return l, store
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name    string
		tier    string
		channel string
		sent    int
		bonus   int
		want    int
	}{
		{"fresh free chat", "free", "chat", 0, 0, 100},
		{"partially used", "free", "text", 10, 0, 15},
		{"bonus extends limit", "free", "text", 25, 5, 5},
		{"clamped at zero", "free", "text", 40, 0, 0},
		{"unlimited channel", "business", "chat", 100000, 0, Unlimited},
		{"unknown tier", "platinum", "chat", 0, 0, 0},
		{"unknown channel", "pro", "pigeon", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLedger(tt.tier)
			account := uuid.New()
			ctx := context.Background()

			if tt.sent > 0 {
				if err := store.Increment(ctx, account, MonthlyPeriod(fixedNow), tt.channel, tt.sent); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			if tt.bonus > 0 {
				store.SetBonus(account, MonthlyPeriod(fixedNow), tt.channel, tt.bonus)
			}

			got, err := l.Remaining(ctx, account, tt.channel)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCommit_Monotonic(t *testing.T) {
	l, _ := newTestLedger("free")
	account := uuid.New()
	ctx := context.Background()

	for _, n := range []int{3, 1, 7} {
		before, _ := l.Remaining(ctx, account, "chat")
		if err := l.Commit(ctx, account, "chat", n); err != nil {
			t.Fatalf("commit: %v", err)
		}
		after, _ := l.Remaining(ctx, account, "chat")
		if after != before-n {
			t.Errorf("after commit(%d): expected %d, got %d", n, before-n, after)
		}
	}
}

func TestCommit_UnlimitedUnchanged(t *testing.T) {
	l, _ := newTestLedger("business")
	account := uuid.New()
	ctx := context.Background()

	if err := l.Commit(ctx, account, "chat", 50); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ := l.Remaining(ctx, account, "chat")
	if got != Unlimited {
		t.Errorf("expected unlimited, got %d", got)
	}
}

func TestCommit_NonPositiveIsNoop(t *testing.T) {
	l, _ := newTestLedger("free")
	account := uuid.New()
	ctx := context.Background()

	for _, n := range []int{0, -4} {
		if err := l.Commit(ctx, account, "text", n); err != nil {
			t.Errorf("commit(%d) should not fail: %v", n, err)
		}
	}
	got, _ := l.Remaining(ctx, account, "text")
	if got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
}

func TestCommit_Concurrent(t *testing.T) {
	l, _ := newTestLedger("pro")
	account := uuid.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Commit(ctx, account, "chat", 2)
		}()
	}
	wg.Wait()

	got, _ := l.Remaining(ctx, account, "chat")
	if got != 2000-100 {
		t.Errorf("lost updates: expected %d, got %d", 1900, got)
	}
}

func TestCharge(t *testing.T) {
	l := NewLedger(NewMemoryStore(), nil, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	account := uuid.New()

	c := l.Charge(account, "chat", 4)
	if c == nil {
		t.Fatal("expected a charge")
	}
	if c.AccountID != account || c.Channel != "chat" || c.Count != 4 {
		t.Errorf("unexpected charge: %+v", c)
	}
	if !c.PeriodStart.Equal(MonthlyPeriod(fixedNow)) {
		t.Errorf("expected period %v, got %v", MonthlyPeriod(fixedNow), c.PeriodStart)
	}

	for _, n := range []int{0, -1} {
		if c := l.Charge(account, "chat", n); c != nil {
			t.Errorf("charge(%d) should be nil, got %+v", n, c)
		}
	}
}

func TestPeriodRollover(t *testing.T) {
	now := fixedNow
	store := NewMemoryStore()
	plans := func(context.Context, uuid.UUID) (string, error) { return "free", nil }
	l := NewLedger(store, plans, zap.NewNop(), WithClock(func() time.Time { return now }))
	account := uuid.New()
	ctx := context.Background()

	_ = l.Commit(ctx, account, "text", 25)
	if got, _ := l.Remaining(ctx, account, "text"); got != 0 {
		t.Fatalf("expected exhausted, got %d", got)
	}

	now = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	if got, _ := l.Remaining(ctx, account, "text"); got != 25 {
		t.Errorf("expected fresh allowance next month, got %d", got)
	}
}

func TestRemaining_PlanLookupError(t *testing.T) {
	plans := func(context.Context, uuid.UUID) (string, error) { return "", errors.New("boom") }
	l := NewLedger(NewMemoryStore(), plans, zap.NewNop())

	if _, err := l.Remaining(context.Background(), uuid.New(), "chat"); err == nil {
		t.Error("expected error")
	}
}

func TestSnapshot(t *testing.T) {
	l, _ := newTestLedger("business")
	account := uuid.New()
	ctx := context.Background()

	_ = l.Commit(ctx, account, "text", 12)

	u, err := l.Snapshot(ctx, account)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if u.PlanTier != "business" || len(u.Channels) != 2 {
		t.Fatalf("unexpected snapshot: %+v", u)
	}
	for _, c := range u.Channels {
		switch c.Channel {
		case "chat":
			if c.Remaining != Unlimited {
				t.Errorf("chat should be unlimited, got %d", c.Remaining)
			}
		case "text":
			if c.Sent != 12 || c.Remaining != 4988 {
				t.Errorf("unexpected text usage: %+v", c)
			}
		}
	}
}
