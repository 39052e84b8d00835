package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
)

type mockFlowStore struct {
	flows    map[uuid.UUID]*db.AutomationFlow
	notified map[uuid.UUID]map[uuid.UUID]bool
}

func newMockFlowStore() *mockFlowStore {
	return &mockFlowStore{
		flows:    make(map[uuid.UUID]*db.AutomationFlow),
		notified: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (m *mockFlowStore) CreateFlow(_ context.Context, f *db.AutomationFlow) error {
	m.flows[f.ID] = f
	return nil
}

func (m *mockFlowStore) GetFlow(_ context.Context, id uuid.UUID) (*db.AutomationFlow, error) {
	f, ok := m.flows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return f, nil
}

func (m *mockFlowStore) ListFlows(_ context.Context, eventID uuid.UUID) ([]*db.AutomationFlow, error) {
	var out []*db.AutomationFlow
	for _, f := range m.flows {
		if f.EventID == eventID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFlowStore) ListActiveFlows(_ context.Context) ([]*db.AutomationFlow, error) {
	var out []*db.AutomationFlow
	for _, f := range m.flows {
		if f.Status == db.FlowStatusActive {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFlowStore) UpdateFlowStatus(_ context.Context, id uuid.UUID, status string, now time.Time) (*db.AutomationFlow, error) {
	f := m.flows[id]
	f.Status = status
	f.UpdatedAt = now
	return f, nil
}

func (m *mockFlowStore) NotifiedGuests(_ context.Context, flowID uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool)
	for id := range m.notified[flowID] {
		out[id] = true
	}
	return out, nil
}

type mockDirectory struct {
	events map[uuid.UUID]*db.Event
	guests map[uuid.UUID][]db.Guest
}

func (d *mockDirectory) GetEvent(_ context.Context, id uuid.UUID) (*db.Event, error) {
	e, ok := d.events[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return e, nil
}

func (d *mockDirectory) ResolveRecipients(_ context.Context, eventID uuid.UUID, _ db.RecipientFilter) ([]db.Guest, error) {
	return d.guests[eventID], nil
}

// mockJobs records requests and writes flow marks like db.Repository.CreateJob.
type mockJobs struct {
	store    *mockFlowStore
	requests []dispatch.CreateRequest
	err      error
	failOn   int // 1-based call that fails; 0 never
	max      int
}

func (j *mockJobs) MaxRecipients() int {
	if j.max == 0 {
		return 1000
	}
	return j.max
}

func (j *mockJobs) CreateJob(_ context.Context, req dispatch.CreateRequest) (*db.BulkJob, error) {
	if j.err != nil {
		return nil, j.err
	}
	if j.failOn > 0 && len(j.requests)+1 == j.failOn {
		j.failOn = 0
		return nil, errors.New("too many recipients")
	}
	if len(req.Guests) > j.MaxRecipients() {
		return nil, dispatch.ErrTooManyRecipients
	}
	j.requests = append(j.requests, req)
	if j.store.notified[*req.FlowID] == nil {
		j.store.notified[*req.FlowID] = make(map[uuid.UUID]bool)
	}
	for _, g := range req.Guests {
		j.store.notified[*req.FlowID][g.ID] = true
	}
	return &db.BulkJob{ID: uuid.New(), TotalRecipients: len(req.Guests)}, nil
}

type fixture struct {
	store *mockFlowStore
	dir   *mockDirectory
	jobs  *mockJobs
	eval  *Evaluator
	event *db.Event
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(24 * time.Hour)
	ev := &db.Event{
		ID:           uuid.New(),
		AccountID:    uuid.New(),
		Name:         "Launch Party",
		StartsAt:     now.Add(7 * 24 * time.Hour),
		RSVPDeadline: &deadline,
	}

	store := newMockFlowStore()
	dir := &mockDirectory{
		events: map[uuid.UUID]*db.Event{ev.ID: ev},
		guests: map[uuid.UUID][]db.Guest{},
	}
	jobs := &mockJobs{store: store}
	return &fixture{
		store: store,
		dir:   dir,
		jobs:  jobs,
		eval:  NewEvaluator(store, dir, jobs, time.UTC, zap.NewNop()),
		event: ev,
		now:   now,
	}
}

func (f *fixture) addGuest(status string) db.Guest {
	invited := f.now.Add(-72 * time.Hour)
	g := db.Guest{ID: uuid.New(), EventID: f.event.ID, Name: "g", ChatID: "1", RSVPStatus: status, InvitedAt: &invited}
	f.dir.guests[f.event.ID] = append(f.dir.guests[f.event.ID], g)
	return g
}

func (f *fixture) addFlow(trigger string, offsetHours int, status string) *db.AutomationFlow {
	fl := &db.AutomationFlow{
		ID:          uuid.New(),
		AccountID:   f.event.AccountID,
		EventID:     f.event.ID,
		Name:        trigger,
		TriggerType: trigger,
		OffsetHours: offsetHours,
		MessageKind: db.KindReminder,
		Channel:     db.ChannelChat,
		Status:      status,
	}
	f.store.flows[fl.ID] = fl
	return fl
}

func TestEvaluate_CreatesJobForMatchingGuests(t *testing.T) {
	f := newFixture(t)
	pending := f.addGuest(db.RSVPPending)
	f.addGuest(db.RSVPAttending)
	flow := f.addFlow(TriggerRSVPDeadline, 48, db.FlowStatusActive)

	report, err := f.eval.Evaluate(context.Background(), f.now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.JobsCreated != 1 || len(f.jobs.requests) != 1 {
		t.Fatalf("expected one job, got %+v", report)
	}

	req := f.jobs.requests[0]
	if *req.FlowID != flow.ID || len(req.Guests) != 1 || req.Guests[0].ID != pending.ID {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.MessageKind != db.KindReminder || req.AccountID != flow.AccountID {
		t.Errorf("flow action not carried over: %+v", req)
	}
}

func TestEvaluate_DoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	f.addGuest(db.RSVPPending)
	f.addFlow(TriggerNoResponse, 48, db.FlowStatusActive)

	if _, err := f.eval.Evaluate(context.Background(), f.now); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}

	report, err := f.eval.Evaluate(context.Background(), f.now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if report.JobsCreated != 0 || len(f.jobs.requests) != 1 {
		t.Errorf("guest should not be re-selected, report=%+v", report)
	}
	if report.Flows[0].Matched != 1 || report.Flows[0].Queued != 0 {
		t.Errorf("unexpected flow result: %+v", report.Flows[0])
	}

	late := f.addGuest(db.RSVPPending)
	f.eval.Evaluate(context.Background(), f.now.Add(48*time.Hour))
	if len(f.jobs.requests) != 2 || f.jobs.requests[1].Guests[0].ID != late.ID {
		t.Errorf("only the new guest should be queued: %+v", f.jobs.requests)
	}
}

func TestEvaluate_DedupIsPerFlow(t *testing.T) {
	f := newFixture(t)
	f.addGuest(db.RSVPPending)
	f.addFlow(TriggerNoResponse, 24, db.FlowStatusActive)
	f.eval.Evaluate(context.Background(), f.now)

	f.addFlow(TriggerNoResponse, 24, db.FlowStatusActive)
	report, _ := f.eval.Evaluate(context.Background(), f.now)

	if report.JobsCreated != 1 {
		t.Errorf("a new flow starts with an empty dedup set, got %d jobs", report.JobsCreated)
	}
}

func TestEvaluate_SkipsInactiveFlows(t *testing.T) {
	f := newFixture(t)
	f.addGuest(db.RSVPPending)
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusDraft)
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusPaused)

	report, _ := f.eval.Evaluate(context.Background(), f.now)
	if len(report.Flows) != 0 || len(f.jobs.requests) != 0 {
		t.Errorf("inactive flows must not run: %+v", report)
	}
}

func TestEvaluate_FailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.addGuest(db.RSVPPending)
	orphan := f.addFlow(TriggerNoResponse, 1, db.FlowStatusActive)
	orphan.EventID = uuid.New()
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusActive)

	report, err := f.eval.Evaluate(context.Background(), f.now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Failed != 1 || report.JobsCreated != 1 {
		t.Errorf("expected one failure and one job, got %+v", report)
	}
}

func TestEvaluate_CreateJobError(t *testing.T) {
	f := newFixture(t)
	f.addGuest(db.RSVPPending)
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusActive)
	f.jobs.err = errors.New("quota lookup failed")

	report, _ := f.eval.Evaluate(context.Background(), f.now)
	if report.Failed != 1 || len(report.Flows[0].JobIDs) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	f.jobs.err = nil
	report, _ = f.eval.Evaluate(context.Background(), f.now)
	if report.JobsCreated != 1 {
		t.Error("guest should be picked up once job creation works again")
	}
}

func TestMatches(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(12 * time.Hour)
	invited := now.Add(-50 * time.Hour)
	ev := &db.Event{StartsAt: now.Add(3 * time.Hour), RSVPDeadline: &deadline}
	pending := db.Guest{RSVPStatus: db.RSVPPending, InvitedAt: &invited}
	attending := db.Guest{RSVPStatus: db.RSVPAttending, InvitedAt: &invited}

	tests := []struct {
		name    string
		trigger string
		offset  time.Duration
		event   *db.Event
		guest   db.Guest
		now     time.Time
		want    bool
	}{
		{"deadline inside window", TriggerRSVPDeadline, 24 * time.Hour, ev, pending, now, true},
		{"deadline outside window", TriggerRSVPDeadline, 6 * time.Hour, ev, pending, now, false},
		{"deadline passed", TriggerRSVPDeadline, 24 * time.Hour, ev, pending, now.Add(13 * time.Hour), false},
		{"deadline attending guest", TriggerRSVPDeadline, 24 * time.Hour, ev, attending, now, false},
		{"deadline unset", TriggerRSVPDeadline, 24 * time.Hour, &db.Event{StartsAt: ev.StartsAt}, pending, now, false},
		{"no response after offset", TriggerNoResponse, 48 * time.Hour, ev, pending, now, true},
		{"no response too early", TriggerNoResponse, 72 * time.Hour, ev, pending, now, false},
		{"no response never invited", TriggerNoResponse, time.Hour, ev, db.Guest{RSVPStatus: db.RSVPPending}, now, false},
		{"before event in window", TriggerBeforeEvent, 4 * time.Hour, ev, attending, now, true},
		{"before event too early", TriggerBeforeEvent, 2 * time.Hour, ev, attending, now, false},
		{"before event pending guest", TriggerBeforeEvent, 4 * time.Hour, ev, pending, now, false},
		{"event day", TriggerEventDay, 0, ev, attending, now, true},
		{"event day other day", TriggerEventDay, 0, ev, attending, now.Add(-24 * time.Hour), false},
		{"after event", TriggerAfterEvent, 2 * time.Hour, ev, attending, now.Add(6 * time.Hour), true},
		{"after event too soon", TriggerAfterEvent, 2 * time.Hour, ev, attending, now.Add(4 * time.Hour), false},
		{"unknown trigger", "birthday", 0, ev, attending, now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.trigger, tt.offset, tt.event, tt.guest, tt.now, time.UTC); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_EventDayUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	start := time.Date(2026, 5, 11, 2, 0, 0, 0, time.UTC) // May 10, 18:00 local
	now := time.Date(2026, 5, 10, 20, 0, 0, 0, time.UTC)
	ev := &db.Event{StartsAt: start}
	g := db.Guest{RSVPStatus: db.RSVPAttending}

	if !Matches(TriggerEventDay, 0, ev, g, now, loc) {
		t.Error("same local day should match")
	}
	if Matches(TriggerEventDay, 0, ev, g, now, time.UTC) {
		t.Error("different UTC day should not match")
	}
}

func TestEvaluate_SplitsLargeMatchSets(t *testing.T) {
	f := newFixture(t)
	f.jobs.max = 2
	for i := 0; i < 5; i++ {
		f.addGuest(db.RSVPPending)
	}
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusActive)

	report, err := f.eval.Evaluate(context.Background(), f.now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Failed != 0 || report.JobsCreated != 3 {
		t.Fatalf("expected 3 jobs, got %+v", report)
	}
	res := report.Flows[0]
	if res.Queued != 5 || len(res.JobIDs) != 3 {
		t.Errorf("unexpected flow result: %+v", res)
	}

	seen := make(map[uuid.UUID]bool)
	for _, req := range f.jobs.requests {
		if len(req.Guests) > 2 {
			t.Errorf("job over the cap: %d guests", len(req.Guests))
		}
		for _, g := range req.Guests {
			if seen[g.ID] {
				t.Errorf("guest %s queued twice", g.ID)
			}
			seen[g.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("expected all 5 guests queued, got %d", len(seen))
	}
}

func TestEvaluate_PartialSplitFailureRetriesRemainder(t *testing.T) {
	f := newFixture(t)
	f.jobs.max = 2
	f.jobs.failOn = 2
	for i := 0; i < 4; i++ {
		f.addGuest(db.RSVPPending)
	}
	f.addFlow(TriggerNoResponse, 1, db.FlowStatusActive)

	report, _ := f.eval.Evaluate(context.Background(), f.now)
	if report.Failed != 1 || report.JobsCreated != 1 || report.Flows[0].Queued != 2 {
		t.Fatalf("expected first batch queued then a failure, got %+v", report)
	}

	report, _ = f.eval.Evaluate(context.Background(), f.now)
	if report.Failed != 0 || report.JobsCreated != 1 || report.Flows[0].Queued != 2 {
		t.Errorf("expected only the remainder on retry, got %+v", report)
	}
}
