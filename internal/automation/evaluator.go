// Package automation turns ACTIVE flows into bulk jobs for guests that
// newly match a flow's trigger.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Trigger types
const (
	TriggerRSVPDeadline = "rsvp_deadline"
	TriggerNoResponse   = "no_response"
	TriggerBeforeEvent  = "before_event"
	TriggerEventDay     = "event_day"
	TriggerAfterEvent   = "after_event"
)

// FlowStore is the flow persistence the evaluator and manager use.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *db.AutomationFlow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*db.AutomationFlow, error)
	ListFlows(ctx context.Context, eventID uuid.UUID) ([]*db.AutomationFlow, error)
	ListActiveFlows(ctx context.Context) ([]*db.AutomationFlow, error)
	UpdateFlowStatus(ctx context.Context, id uuid.UUID, status string, now time.Time) (*db.AutomationFlow, error)
	NotifiedGuests(ctx context.Context, flowID uuid.UUID) (map[uuid.UUID]bool, error)
}

// Directory supplies event and guest state.
type Directory interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	ResolveRecipients(ctx context.Context, eventID uuid.UUID, filter db.RecipientFilter) ([]db.Guest, error)
}

// JobCreator is satisfied by *dispatch.Service.
type JobCreator interface {
	CreateJob(ctx context.Context, req dispatch.CreateRequest) (*db.BulkJob, error)
	// MaxRecipients caps one job; larger match sets are split.
	MaxRecipients() int
}

// FlowResult is the outcome of one flow in one evaluation.
type FlowResult struct {
	FlowID  uuid.UUID   `json:"flowId"`
	Trigger string      `json:"trigger"`
	Matched int         `json:"matched"`
	Queued  int         `json:"queued"`
	JobIDs  []uuid.UUID `json:"jobIds,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Report summarizes one Evaluate run.
type Report struct {
	EvaluatedAt time.Time    `json:"evaluatedAt"`
	Flows       []FlowResult `json:"flows"`
	JobsCreated int          `json:"jobsCreated"`
	Failed      int          `json:"failed"`
}

type Evaluator struct {
	flows    FlowStore
	dir      Directory
	jobs     JobCreator
	location *time.Location
	logger   *zap.Logger
}

// NewEvaluator builds an evaluator. loc decides calendar days for event_day.
func NewEvaluator(flows FlowStore, dir Directory, jobs JobCreator, loc *time.Location, logger *zap.Logger) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		flows:    flows,
		dir:      dir,
		jobs:     jobs,
		location: loc,
		logger:   logger,
	}
}

// Evaluate checks every ACTIVE flow once. A failing flow is recorded in the
// report and does not stop the others.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) (*Report, error) {
	flows, err := e.flows.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}

	report := &Report{EvaluatedAt: now}
	for _, f := range flows {
		res := e.evaluateFlow(ctx, f, now)
		if res.Error != "" {
			report.Failed++
			e.logger.Warn("automation flow evaluation failed",
				zap.String("flow_id", f.ID.String()),
				zap.String("error", res.Error),
			)
		}
		for range res.JobIDs {
			report.JobsCreated++
			metrics.RecordAutomationJob(f.TriggerType)
		}
		report.Flows = append(report.Flows, res)
	}

	e.logger.Info("automation evaluation finished",
		zap.Int("flows", len(flows)),
		zap.Int("jobs_created", report.JobsCreated),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (e *Evaluator) evaluateFlow(ctx context.Context, f *db.AutomationFlow, now time.Time) FlowResult {
	res := FlowResult{FlowID: f.ID, Trigger: f.TriggerType}

	ev, err := e.dir.GetEvent(ctx, f.EventID)
	if errors.Is(err, db.ErrNotFound) {
		res.Error = "event not found"
		return res
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	guests, err := e.dir.ResolveRecipients(ctx, f.EventID, db.RecipientFilter{})
	if err != nil {
		res.Error = fmt.Sprintf("resolve guests: %v", err)
		return res
	}

	var matched []db.Guest
	for _, g := range guests {
		if Matches(f.TriggerType, time.Duration(f.OffsetHours)*time.Hour, ev, g, now, e.location) {
			matched = append(matched, g)
		}
	}
	res.Matched = len(matched)
	if len(matched) == 0 {
		return res
	}

	notified, err := e.flows.NotifiedGuests(ctx, f.ID)
	if err != nil {
		res.Error = fmt.Sprintf("load notified guests: %v", err)
		return res
	}

	fresh := matched[:0:0]
	for _, g := range matched {
		if !notified[g.ID] {
			fresh = append(fresh, g)
		}
	}
	if len(fresh) == 0 {
		return res
	}

	// Jobs already created stay marked as notified when a later batch
	// fails, so the next evaluation only retries the remainder.
	size := e.jobs.MaxRecipients()
	if size <= 0 {
		size = len(fresh)
	}
	flowID := f.ID
	for start := 0; start < len(fresh); start += size {
		batch := fresh[start:min(start+size, len(fresh))]
		job, err := e.jobs.CreateJob(ctx, dispatch.CreateRequest{
			AccountID:   f.AccountID,
			EventID:     f.EventID,
			MessageKind: f.MessageKind,
			Channel:     f.Channel,
			Shape:       f.Shape,
			TemplateID:  f.TemplateID,
			FlowID:      &flowID,
			Guests:      batch,
		})
		if err != nil {
			res.Error = fmt.Sprintf("create job: %v", err)
			return res
		}

		res.Queued += len(batch)
		res.JobIDs = append(res.JobIDs, job.ID)
		e.logger.Info("automation job created",
			zap.String("flow_id", f.ID.String()),
			zap.String("job_id", job.ID.String()),
			zap.String("trigger", f.TriggerType),
			zap.Int("guests", len(batch)),
		)
	}
	return res
}

// Matches reports whether guest g satisfies trigger at now.
func Matches(trigger string, offset time.Duration, ev *db.Event, g db.Guest, now time.Time, loc *time.Location) bool {
	switch trigger {
	case TriggerRSVPDeadline:
		if ev.RSVPDeadline == nil || g.RSVPStatus != db.RSVPPending {
			return false
		}
		return within(now, ev.RSVPDeadline.Add(-offset), *ev.RSVPDeadline)
	case TriggerNoResponse:
		if g.RSVPStatus != db.RSVPPending || g.InvitedAt == nil {
			return false
		}
		return !now.Before(g.InvitedAt.Add(offset))
	case TriggerBeforeEvent:
		return g.RSVPStatus == db.RSVPAttending && within(now, ev.StartsAt.Add(-offset), ev.StartsAt)
	case TriggerEventDay:
		return g.RSVPStatus == db.RSVPAttending && sameDay(now, ev.StartsAt, loc)
	case TriggerAfterEvent:
		return g.RSVPStatus == db.RSVPAttending && !now.Before(ev.StartsAt.Add(offset))
	}
	return false
}

// within is the half-open interval [from, to).
func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// ValidTrigger reports whether t is a known trigger type.
func ValidTrigger(t string) bool {
	switch t {
	case TriggerRSVPDeadline, TriggerNoResponse, TriggerBeforeEvent, TriggerEventDay, TriggerAfterEvent:
		return true
	}
	return false
}
