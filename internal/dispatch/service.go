// Package dispatch runs bulk jobs one bounded chunk at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/compose"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/quota"
)

var (
	ErrJobBusy           = errors.New("job is being processed by another invocation")
	ErrJobNotFound       = errors.New("job not found")
	ErrEventNotFound     = errors.New("event not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrTooManyRecipients = errors.New("too many recipients")
	ErrNoRecipients      = errors.New("no recipients matched")
)

// Skip and compose error kinds recorded in the delivery log next to the
// channel.ErrorKind values.
const (
	KindNoAddress       = "NO_ADDRESS"
	KindQuotaExhausted  = "QUOTA_EXHAUSTED"
	KindMissingField    = "MISSING_REQUIRED_FIELD"
	KindTemplateMissing = "TEMPLATE_NOT_FOUND"
)

const maxProviderResponse = 1000

// JobStore is the persistence the dispatcher needs. *db.Repository satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, job *db.BulkJob, recipients []db.Recipient) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.BulkJob, error)
	ListRecipients(ctx context.Context, jobID uuid.UUID, offset, limit int) ([]db.Recipient, error)
	StartJob(ctx context.Context, id uuid.UUID, now time.Time) (*db.BulkJob, error)
	RecordChunk(ctx context.Context, rec db.ChunkRecord) (*db.BulkJob, error)
	CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*db.BulkJob, error)
	FailJob(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*db.BulkJob, error)
	ListDeliveries(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]db.DeliveryLogEntry, error)
}

// Directory resolves the collaborator records a job refers to.
type Directory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	ResolveRecipients(ctx context.Context, eventID uuid.UUID, filter db.RecipientFilter) ([]db.Guest, error)
}

// Quota is the ledger contract. *quota.Ledger satisfies it. Charges ride
// on the ChunkRecord so they commit with the sends they pay for.
type Quota interface {
	Remaining(ctx context.Context, accountID uuid.UUID, channel string) (int, error)
	Charge(accountID uuid.UUID, channel string, count int) *quota.Charge
}

// Lease serializes Continue calls for one job across processes.
type Lease interface {
	Acquire(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (release func(), ok bool, err error)
}

// localLease serializes Continue calls within one process. NewService uses
// it until WithLease installs a shared one.
type localLease struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newLocalLease() *localLease {
	return &localLease{held: make(map[uuid.UUID]struct{})}
}

func (l *localLease) Acquire(_ context.Context, jobID uuid.UUID, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[jobID]; busy {
		return nil, false, nil
	}
	l.held[jobID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, jobID)
		l.mu.Unlock()
	}, true, nil
}

// Reporter is told once when a job reaches a terminal status.
type Reporter interface {
	JobFinished(ctx context.Context, job *db.BulkJob, account *db.Account, event *db.Event) error
}

// Sleeper pauses between sends. It must return early when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration)

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type Config struct {
	ChunkSize     int
	SubBatchSize  int
	Concurrency   int
	BatchDelay    time.Duration
	WaveDelay     time.Duration
	LeaseTTL      time.Duration
	MaxRecipients int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 1000
	}
	return c
}

// Progress is what Continue, Status and Cancel report back.
type Progress struct {
	JobID           uuid.UUID `json:"jobId"`
	Processed       int       `json:"processed"`
	SuccessCount    int       `json:"successCount"`
	FailedCount     int       `json:"failedCount"`
	SkippedCount    int       `json:"skippedCount"`
	TotalRecipients int       `json:"totalRecipients"`
	Status          string    `json:"status"`
	IsComplete      bool      `json:"isComplete"`
	Error           string    `json:"error,omitempty"`
}

// StatusUnknown is reported by Continue for a job id that does not exist.
const StatusUnknown = "UNKNOWN"

func progressOf(job *db.BulkJob) *Progress {
	p := &Progress{
		JobID:           job.ID,
		Processed:       job.ProcessedCount,
		SuccessCount:    job.SuccessCount,
		FailedCount:     job.FailedCount,
		SkippedCount:    job.SkippedCount,
		TotalRecipients: job.TotalRecipients,
		Status:          job.Status,
		IsComplete:      IsTerminal(job.Status),
	}
	if job.ErrorMessage != nil {
		p.Error = *job.ErrorMessage
	}
	return p
}

type Service struct {
	jobs     JobStore
	dir      Directory
	quota    Quota
	composer *compose.Composer
	senders  *channel.Registry
	lease    Lease
	reporter Reporter
	sleep    Sleeper
	now      func() time.Time
	cfg      Config
	logger   *zap.Logger
}

type Option func(*Service)

func WithLease(l Lease) Option { return func(s *Service) { s.lease = l } }

func WithReporter(r Reporter) Option { return func(s *Service) { s.reporter = r } }

func WithSleeper(fn Sleeper) Option { return func(s *Service) { s.sleep = fn } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(
	jobs JobStore,
	dir Directory,
	q Quota,
	composer *compose.Composer,
	senders *channel.Registry,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		jobs:     jobs,
		dir:      dir,
		quota:    q,
		composer: composer,
		senders:  senders,
		lease:    newLocalLease(),
		sleep:    Sleep,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new bulk job.
type CreateRequest struct {
	AccountID   uuid.UUID
	EventID     uuid.UUID
	Filter      db.RecipientFilter
	MessageKind string
	Channel     string
	Shape       string
	TemplateID  string
	Overrides   map[string]string
	// FlowID marks automation jobs; Guests then carries the pre-resolved list.
	FlowID *uuid.UUID
	Guests []db.Guest
}

func validKind(k string) bool {
	switch k {
	case db.KindInvite, db.KindReminder, db.KindEventDay, db.KindThankYou:
		return true
	}
	return false
}

func validShape(s string) bool {
	switch s {
	case "", compose.ShapeText, compose.ShapeButtons, compose.ShapeImage:
		return true
	}
	return false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// CreateJob resolves recipients once, fixes the channel and snapshots the
// recipient list. The job starts PENDING.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*db.BulkJob, error) {
	if !validKind(req.MessageKind) {
		return nil, invalid("unknown message kind %q", req.MessageKind)
	}
	switch req.Channel {
	case db.ChannelChat, db.ChannelText, db.ChannelAuto:
	default:
		return nil, invalid("unknown channel %q", req.Channel)
	}
	if !validShape(req.Shape) {
		return nil, invalid("unknown shape %q", req.Shape)
	}
	shape := req.Shape
	if shape == "" {
		shape = compose.ShapeText
	}
	templateID := req.TemplateID
	if templateID == "" {
		templateID = req.MessageKind
	}
	if !s.composer.Has(templateID) {
		return nil, invalid("unknown template %q", templateID)
	}
	if err := s.composer.Supports(templateID, shape, req.Overrides); err != nil {
		return nil, invalid("template %q cannot be sent as %s: %v", templateID, shape, err)
	}

	ev, err := s.dir.GetEvent(ctx, req.EventID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && ev.AccountID != req.AccountID) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if _, err := s.dir.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	ch, err := s.resolveChannel(ctx, req.AccountID, req.Channel)
	if err != nil {
		return nil, err
	}
	if _, ok := s.senders.Get(ch); !ok {
		return nil, invalid("channel %q is not configured", ch)
	}

	guests := req.Guests
	if req.FlowID == nil {
		guests, err = s.dir.ResolveRecipients(ctx, req.EventID, req.Filter)
		if err != nil {
			return nil, fmt.Errorf("resolve recipients: %w", err)
		}
	}
	if len(guests) == 0 {
		return nil, ErrNoRecipients
	}
	if len(guests) > s.cfg.MaxRecipients {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyRecipients, len(guests), s.cfg.MaxRecipients)
	}

	job := &db.BulkJob{
		ID:               uuid.New(),
		AccountID:        req.AccountID,
		EventID:          req.EventID,
		FlowID:           req.FlowID,
		MessageKind:      req.MessageKind,
		RequestedChannel: req.Channel,
		Channel:          ch,
		TemplateID:       templateID,
		Shape:            shape,
		Overrides:        req.Overrides,
		TotalRecipients:  len(guests),
		Status:           db.JobStatusPending,
	}

	recipients := make([]db.Recipient, len(guests))
	for i, g := range guests {
		recipients[i] = db.Recipient{
			JobID:    job.ID,
			Position: i,
			GuestID:  g.ID,
			Name:     g.Name,
			Phone:    g.Phone,
			ChatID:   g.ChatID,
		}
	}

	if err := s.jobs.CreateJob(ctx, job, recipients); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	metrics.RecordJobCreated(job.Channel, job.MessageKind)
	return job, nil
}

// MaxRecipients is the largest recipient set CreateJob accepts.
func (s *Service) MaxRecipients() int {
	return s.cfg.MaxRecipients
}

// resolveChannel turns "auto" into a concrete channel: chat while the
// account has chat quota left, otherwise text.
func (s *Service) resolveChannel(ctx context.Context, accountID uuid.UUID, requested string) (string, error) {
	if requested != db.ChannelAuto {
		return requested, nil
	}
	if _, ok := s.senders.Get(db.ChannelChat); !ok {
		return db.ChannelText, nil
	}
	left, err := s.quota.Remaining(ctx, accountID, db.ChannelChat)
	if err != nil {
		return "", fmt.Errorf("check chat quota: %w", err)
	}
	if left != 0 {
		return db.ChannelChat, nil
	}
	return db.ChannelText, nil
}

// Status returns the current progress of a job.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*db.BulkJob, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Deliveries pages through a job's delivery log.
func (s *Service) Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]db.DeliveryLogEntry, error) {
	if _, err := s.Status(ctx, id); err != nil {
		return nil, err
	}
	return s.jobs.ListDeliveries(ctx, id, limit, offset)
}

// Cancel stops a non-terminal job. Terminal jobs are returned unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*db.BulkJob, error) {
	job, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(job.Status) {
		return job, nil
	}

	job, err = s.jobs.CancelJob(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if job.Status == db.JobStatusCancelled {
		s.finished(context.WithoutCancel(ctx), job, nil, nil)
	}
	return job, nil
}

// Continue processes at most one chunk of job id. Once started, the chunk
// runs to completion even if ctx is cancelled, so its outcomes are always
// recorded.
func (s *Service) Continue(ctx context.Context, id uuid.UUID) (*Progress, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return &Progress{JobID: id, Status: StatusUnknown, IsComplete: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if IsTerminal(job.Status) {
		return progressOf(job), nil
	}

	release, ok, err := s.lease.Acquire(ctx, id, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrJobBusy
	}
	defer release()

	caller := ctx
	ctx = context.WithoutCancel(ctx)
	start := s.now()
	logger := s.logger.With(zap.String("job_id", id.String()))

	job, err = s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if IsTerminal(job.Status) {
		return progressOf(job), nil
	}

	acct, err := s.dir.GetAccount(ctx, job.AccountID)
	if errors.Is(err, db.ErrNotFound) {
		return s.fail(ctx, job, "account deleted")
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	ev, err := s.dir.GetEvent(ctx, job.EventID)
	if errors.Is(err, db.ErrNotFound) {
		return s.fail(ctx, job, "event deleted")
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	sender, ok := s.senders.Get(job.Channel)
	if !ok {
		return s.fail(ctx, job, fmt.Sprintf("channel %s not configured", job.Channel))
	}

	if job.Status == db.JobStatusPending {
		job, err = s.jobs.StartJob(ctx, id, s.now())
		if err != nil {
			return nil, fmt.Errorf("start job: %w", err)
		}
		if IsTerminal(job.Status) {
			return progressOf(job), nil
		}
		logger.Info("bulk job started",
			zap.String("channel", job.Channel),
			zap.Int("total_recipients", job.TotalRecipients),
		)
	}

	left, err := s.quota.Remaining(ctx, job.AccountID, job.Channel)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}

	var rec db.ChunkRecord
	deferred := 0
	if left == 0 {
		rec, err = s.exhaust(ctx, job)
		metrics.RecordQuotaExhausted(job.Channel)
		logger.Info("quota exhausted, skipping remaining recipients",
			zap.String("account_id", job.AccountID.String()),
			zap.Int("skipped", job.TotalRecipients-job.RecipientCursor),
		)
	} else {
		limit := s.cfg.ChunkSize
		if left != quota.Unlimited && left < limit {
			limit = left
		}
		rec, deferred, err = s.runChunk(ctx, job, acct, ev, sender, limit)
	}
	if err != nil {
		if errors.Is(err, errSnapshotTruncated) {
			return s.fail(ctx, job, "recipient snapshot truncated")
		}
		return nil, err
	}

	if deferred > 0 {
		metrics.RecordChunkDeferred(job.Channel)
		logger.Warn("channel circuit open, chunk cut short",
			zap.String("channel", job.Channel),
			zap.Int("cursor", rec.NewCursor),
			zap.Int("deferred", deferred),
		)
	}

	rec.Charge = s.quota.Charge(job.AccountID, job.Channel, rec.Success)

	updated, err := s.jobs.RecordChunk(ctx, rec)
	if errors.Is(err, db.ErrCursorMoved) {
		return nil, fmt.Errorf("%w: %v", ErrJobBusy, err)
	}
	if err != nil {
		if caller.Err() != nil {
			return nil, fmt.Errorf("record chunk: %w", err)
		}
		logger.Error("failed to record chunk", zap.Error(err))
		return s.fail(ctx, job, "storage unavailable")
	}

	metrics.RecordChunk(job.Channel, s.now().Sub(start))
	logger.Info("chunk processed",
		zap.Int("processed", updated.ProcessedCount),
		zap.Int("total_recipients", updated.TotalRecipients),
		zap.Int("sent", rec.Success),
		zap.Int("failed", rec.Failed),
		zap.Int("skipped", rec.Skipped),
		zap.String("status", updated.Status),
	)

	if IsTerminal(updated.Status) && updated.Status != db.JobStatusCancelled {
		s.finished(ctx, updated, acct, ev)
	}
	return progressOf(updated), nil
}

var errSnapshotTruncated = errors.New("recipient snapshot truncated")

// exhaust skips every unprocessed recipient and completes the job.
func (s *Service) exhaust(ctx context.Context, job *db.BulkJob) (db.ChunkRecord, error) {
	rest := job.TotalRecipients - job.RecipientCursor
	recipients, err := s.jobs.ListRecipients(ctx, job.ID, job.RecipientCursor, rest)
	if err != nil {
		return db.ChunkRecord{}, fmt.Errorf("list recipients: %w", err)
	}
	if len(recipients) < rest {
		return db.ChunkRecord{}, errSnapshotTruncated
	}

	now := s.now()
	rec := db.ChunkRecord{
		JobID:      job.ID,
		FromCursor: job.RecipientCursor,
		NewCursor:  job.TotalRecipients,
		Complete:   true,
		Now:        now,
	}
	for _, r := range recipients {
		rec.Entries = append(rec.Entries, s.entry(job, r, db.DeliverySkipped, KindQuotaExhausted, nil, "", now))
		rec.Skipped++
	}
	return rec, nil
}

// outcome of one send. deferred means the breaker turned it away or it
// never started.
type outcome struct {
	receipt  *channel.Receipt
	err      error
	deferred bool
}

type pending struct {
	recipient db.Recipient
	message   *compose.Message
	at        int
}

// runChunk sends up to limit recipients from the cursor and returns the
// record to persist. Outcomes keep snapshot order. When the channel's breaker
// is open the chunk ends before the first recipient it turned away; those
// recipients get no entry and the cursor stops in front of them. deferred is
// how many recipients of the chunk were left for a later call.
func (s *Service) runChunk(ctx context.Context, job *db.BulkJob, acct *db.Account, ev *db.Event, sender channel.Sender, limit int) (db.ChunkRecord, int, error) {
	rec := db.ChunkRecord{JobID: job.ID, FromCursor: job.RecipientCursor}

	var recipients []db.Recipient
	if job.RecipientCursor < job.TotalRecipients {
		var err error
		recipients, err = s.jobs.ListRecipients(ctx, job.ID, job.RecipientCursor, limit)
		if err != nil {
			return rec, 0, fmt.Errorf("list recipients: %w", err)
		}
		if len(recipients) == 0 {
			return rec, 0, errSnapshotTruncated
		}
	}

	event := compose.Event{
		Name:         ev.Name,
		StartsAt:     ev.StartsAt,
		Venue:        ev.Venue,
		RSVPDeadline: ev.RSVPDeadline,
	}

	entries := make([]db.DeliveryLogEntry, len(recipients))
	var sendable []pending
	for i, r := range recipients {
		if r.Address(job.Channel) == "" {
			entries[i] = s.entry(job, r, db.DeliverySkipped, KindNoAddress, nil, "", s.now())
			continue
		}
		msg, err := s.composer.Compose(job.TemplateID, job.Shape,
			compose.Recipient{ID: r.GuestID.String(), Name: r.Name}, event, job.Overrides)
		if err != nil {
			kind := KindMissingField
			if errors.Is(err, compose.ErrTemplateNotFound) {
				kind = KindTemplateMissing
			}
			entries[i] = s.entry(job, r, db.DeliveryFailed, kind, nil, err.Error(), s.now())
			continue
		}
		sendable = append(sendable, pending{recipient: r, message: msg, at: i})
	}

	outcomes := s.send(ctx, sender, sendable)
	cut := len(recipients)
	for j, p := range sendable {
		if outcomes[j].deferred {
			cut = p.at
			break
		}
	}
	entries = entries[:cut]

	for j, p := range sendable {
		if p.at >= cut {
			break
		}
		o := outcomes[j]
		if o.err != nil {
			entries[p.at] = s.entry(job, p.recipient, db.DeliveryFailed, string(channel.KindOf(o.err)), nil, o.err.Error(), s.now())
			continue
		}
		var msgID *string
		resp := ""
		if o.receipt != nil {
			id := o.receipt.ProviderMessageID
			msgID = &id
			resp = o.receipt.Response
		}
		entries[p.at] = s.entry(job, p.recipient, db.DeliverySent, "", msgID, resp, s.now())
	}

	for _, e := range entries {
		switch e.Status {
		case db.DeliverySent:
			rec.Success++
		case db.DeliveryFailed:
			rec.Failed++
		case db.DeliverySkipped:
			rec.Skipped++
		}
		kind := ""
		if e.ErrorKind != nil {
			kind = *e.ErrorKind
		}
		metrics.RecordDelivery(job.Channel, e.Status, kind)
	}

	rec.Entries = entries
	rec.NewCursor = job.RecipientCursor + cut
	rec.Complete = rec.NewCursor >= job.TotalRecipients
	rec.Now = s.now()
	return rec, len(recipients) - cut, nil
}

// send delivers in sub-batches of SubBatchSize, each split into waves of
// Concurrency parallel sends. It stops after the first wave the circuit
// breaker rejected; everything not sent is marked deferred.
func (s *Service) send(ctx context.Context, sender channel.Sender, items []pending) []outcome {
	out := make([]outcome, len(items))
	for i := range out {
		out[i].deferred = true
	}
	batchDelay := s.batchDelay(sender.RateCeiling())

	for b := 0; b < len(items); b += s.cfg.SubBatchSize {
		if b > 0 {
			s.sleep(ctx, batchDelay)
		}
		end := min(b+s.cfg.SubBatchSize, len(items))

		for w := b; w < end; w += s.cfg.Concurrency {
			if w > b {
				s.sleep(ctx, s.cfg.WaveDelay)
			}
			waveEnd := min(w+s.cfg.Concurrency, end)

			var g errgroup.Group
			for i := w; i < waveEnd; i++ {
				g.Go(func() error {
					p := items[i]
					receipt, err := sender.Send(ctx, p.recipient.Address(sender.Channel()), p.message)
					out[i] = outcome{
						receipt:  receipt,
						err:      err,
						deferred: errors.Is(err, circuitbreaker.ErrCircuitOpen),
					}
					return nil
				})
			}
			_ = g.Wait()

			for i := w; i < waveEnd; i++ {
				if out[i].deferred {
					return out
				}
			}
		}
	}
	return out
}

// batchDelay is BatchDelay raised until SubBatchSize sends per delay stay
// under the adapter's rate ceiling.
func (s *Service) batchDelay(ceiling float64) time.Duration {
	d := s.cfg.BatchDelay
	if ceiling <= 0 {
		return d
	}
	floor := time.Duration(float64(time.Second) * float64(s.cfg.SubBatchSize) / ceiling)
	if floor > d {
		return floor
	}
	return d
}

func (s *Service) entry(job *db.BulkJob, r db.Recipient, status, kind string, msgID *string, resp string, at time.Time) db.DeliveryLogEntry {
	e := db.DeliveryLogEntry{
		ID:                uuid.New(),
		JobID:             job.ID,
		RecipientID:       r.GuestID,
		Channel:           job.Channel,
		Status:            status,
		ProviderMessageID: msgID,
		ProviderResponse:  truncate(resp, maxProviderResponse),
		AttemptedAt:       at,
	}
	if kind != "" {
		e.ErrorKind = &kind
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Service) fail(ctx context.Context, job *db.BulkJob, reason string) (*Progress, error) {
	failed, err := s.jobs.FailJob(ctx, job.ID, reason, s.now())
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if failed.Status == db.JobStatusFailed {
		s.finished(ctx, failed, nil, nil)
	}
	return progressOf(failed), nil
}

func (s *Service) finished(ctx context.Context, job *db.BulkJob, acct *db.Account, ev *db.Event) {
	metrics.RecordJobFinished(job.Status)
	s.logger.Info("bulk job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", job.Status),
		zap.Int("sent", job.SuccessCount),
		zap.Int("failed", job.FailedCount),
		zap.Int("skipped", job.SkippedCount),
	)
	if s.reporter == nil {
		return
	}
	if err := s.reporter.JobFinished(ctx, job, acct, ev); err != nil {
		s.logger.Warn("failed to send completion report",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
	}
}
