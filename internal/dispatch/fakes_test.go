package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/compose"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/quota"
)

// memStore mirrors the cursor guard, delivery dedupe and in-transaction
// quota charge of db.Repository.
type memStore struct {
	mu           sync.Mutex
	quota        *quota.MemoryStore
	jobs         map[uuid.UUID]*db.BulkJob
	recipients   map[uuid.UUID][]db.Recipient
	deliveries   map[uuid.UUID][]db.DeliveryLogEntry
	seen         map[[2]uuid.UUID]bool
	duplicates   int
	recordErr    error
	beforeRecord func(jobID uuid.UUID)
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[uuid.UUID]*db.BulkJob),
		recipients: make(map[uuid.UUID][]db.Recipient),
		deliveries: make(map[uuid.UUID][]db.DeliveryLogEntry),
		seen:       make(map[[2]uuid.UUID]bool),
	}
}

func copyJob(j *db.BulkJob) *db.BulkJob {
	c := *j
	return &c
}

func (m *memStore) CreateJob(_ context.Context, job *db.BulkJob, recipients []db.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = copyJob(job)
	m.recipients[job.ID] = append([]db.Recipient(nil), recipients...)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*db.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memStore) ListRecipients(_ context.Context, jobID uuid.UUID, offset, limit int) ([]db.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.recipients[jobID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return append([]db.Recipient(nil), all[offset:end]...), nil
}

func (m *memStore) StartJob(_ context.Context, id uuid.UUID, now time.Time) (*db.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status == db.JobStatusPending {
		j.Status = db.JobStatusProcessing
		j.StartedAt = &now
	}
	return copyJob(j), nil
}

func (m *memStore) RecordChunk(_ context.Context, rec db.ChunkRecord) (*db.BulkJob, error) {
	if m.beforeRecord != nil {
		m.beforeRecord(rec.JobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	j := m.jobs[rec.JobID]
	if j.RecipientCursor != rec.FromCursor {
		return nil, db.ErrCursorMoved
	}
	if c := rec.Charge; c != nil && m.quota != nil {
		_ = m.quota.Increment(context.Background(), c.AccountID, c.PeriodStart, c.Channel, c.Count)
	}
	for _, e := range rec.Entries {
		key := [2]uuid.UUID{e.JobID, e.RecipientID}
		if m.seen[key] {
			m.duplicates++
			continue
		}
		m.seen[key] = true
		m.deliveries[rec.JobID] = append(m.deliveries[rec.JobID], e)
	}
	j.ProcessedCount = rec.NewCursor
	j.RecipientCursor = rec.NewCursor
	j.SuccessCount += rec.Success
	j.FailedCount += rec.Failed
	j.SkippedCount += rec.Skipped
	if rec.Complete && j.Status == db.JobStatusProcessing {
		j.Status = db.JobStatusCompleted
		j.CompletedAt = &rec.Now
	}
	return copyJob(j), nil
}

func (m *memStore) CancelJob(_ context.Context, id uuid.UUID, now time.Time) (*db.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if !IsTerminal(j.Status) {
		j.Status = db.JobStatusCancelled
		j.CompletedAt = &now
	}
	return copyJob(j), nil
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, reason string, now time.Time) (*db.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if !IsTerminal(j.Status) {
		j.Status = db.JobStatusFailed
		j.ErrorMessage = &reason
		j.CompletedAt = &now
	}
	return copyJob(j), nil
}

func (m *memStore) ListDeliveries(_ context.Context, jobID uuid.UUID, limit, offset int) ([]db.DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.deliveries[jobID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return append([]db.DeliveryLogEntry(nil), all[offset:end]...), nil
}

func (m *memStore) statusByGuest(jobID uuid.UUID) map[uuid.UUID]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]string)
	for _, e := range m.deliveries[jobID] {
		s := e.Status
		if e.ErrorKind != nil {
			s += "/" + *e.ErrorKind
		}
		out[e.RecipientID] = s
	}
	return out
}

type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*db.Account
	events   map[uuid.UUID]*db.Event
	guests   map[uuid.UUID][]db.Guest
}

func (d *fakeDirectory) GetAccount(_ context.Context, id uuid.UUID) (*db.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a, nil
}

func (d *fakeDirectory) GetEvent(_ context.Context, id uuid.UUID) (*db.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.events[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return e, nil
}

func (d *fakeDirectory) ResolveRecipients(_ context.Context, eventID uuid.UUID, filter db.RecipientFilter) ([]db.Guest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []db.Guest
	for _, g := range d.guests[eventID] {
		if len(filter.RSVPStatuses) > 0 && !contains(filter.RSVPStatuses, g.RSVPStatus) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (d *fakeDirectory) deleteEvent(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, id)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fakeSender fails the addresses in fail and tracks peak concurrency.
type fakeSender struct {
	channel  string
	ceiling  float64
	fail     map[string]error
	onSend   func()
	mu       sync.Mutex
	sent     []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeSender(ch string, ceiling float64) *fakeSender {
	return &fakeSender{channel: ch, ceiling: ceiling, fail: map[string]error{}}
}

func (f *fakeSender) Send(_ context.Context, address string, _ *compose.Message) (*channel.Receipt, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	f.sent = append(f.sent, address)
	if err := f.fail[address]; err != nil {
		return nil, err
	}
	return &channel.Receipt{ProviderMessageID: "msg-" + address, Response: "ok"}, nil
}

func (f *fakeSender) TestConnection(context.Context) error { return nil }
func (f *fakeSender) Channel() string                      { return f.channel }
func (f *fakeSender) RateCeiling() float64                 { return f.ceiling }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
}

type fakeLease struct {
	busy     bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context, uuid.UUID, time.Duration) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type recordingReporter struct {
	mu   sync.Mutex
	jobs []*db.BulkJob
}

func (r *recordingReporter) JobFinished(_ context.Context, job *db.BulkJob, _ *db.Account, _ *db.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return errors.New("mailer down")
}

// downSender fails every send with PROVIDER_DOWN while down is set and
// counts the calls that reach it.
type downSender struct {
	*fakeSender
	down     atomic.Bool
	attempts atomic.Int32
}

func (d *downSender) Send(ctx context.Context, address string, msg *compose.Message) (*channel.Receipt, error) {
	d.attempts.Add(1)
	if d.down.Load() {
		return nil, channel.Fail(channel.ProviderDown, errors.New("503 service unavailable"))
	}
	return d.fakeSender.Send(ctx, address, msg)
}
