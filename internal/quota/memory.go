package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memKey struct {
	account uuid.UUID
	period  time.Time
	channel string
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[memKey]Counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[memKey]Counter)}
}

func (s *MemoryStore) Usage(_ context.Context, accountID uuid.UUID, periodStart time.Time) (map[string]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Counter)
	for k, c := range s.counters {
		if k.account == accountID && k.period.Equal(periodStart) {
			out[k.channel] = c
		}
	}
	return out, nil
}

func (s *MemoryStore) Increment(_ context.Context, accountID uuid.UUID, periodStart time.Time, channel string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{accountID, periodStart, channel}
	c := s.counters[k]
	c.Sent += n
	s.counters[k] = c
	return nil
}

// SetBonus sets the extra allowance for one channel and period.
func (s *MemoryStore) SetBonus(accountID uuid.UUID, periodStart time.Time, channel string, bonus int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{accountID, periodStart, channel}
	c := s.counters[k]
	c.Bonus = bonus
	s.counters[k] = c
}
