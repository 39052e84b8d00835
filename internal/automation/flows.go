package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/compose"
	"github.com/lalithlochan/herald/internal/db"
)

var (
	ErrInvalidFlow       = errors.New("invalid flow")
	ErrFlowNotFound      = errors.New("flow not found")
	ErrInvalidTransition = errors.New("invalid flow status transition")
)

var flowTransitions = map[string][]string{
	db.FlowStatusDraft:  {db.FlowStatusActive, db.FlowStatusArchived},
	db.FlowStatusActive: {db.FlowStatusPaused, db.FlowStatusArchived},
	db.FlowStatusPaused: {db.FlowStatusActive, db.FlowStatusArchived},
}

// FlowRequest is the input for a new flow.
type FlowRequest struct {
	AccountID   uuid.UUID
	EventID     uuid.UUID
	Name        string
	TriggerType string
	OffsetHours int
	MessageKind string
	Channel     string
	Shape       string
	TemplateID  string
}

// Manager handles flow CRUD and status changes.
type Manager struct {
	flows  FlowStore
	dir    Directory
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(flows FlowStore, dir Directory, logger *zap.Logger) *Manager {
	return &Manager{flows: flows, dir: dir, now: time.Now, logger: logger}
}

// Create stores a DRAFT flow after validating it.
func (m *Manager) Create(ctx context.Context, req FlowRequest) (*db.AutomationFlow, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidFlow)
	}
	if !ValidTrigger(req.TriggerType) {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidFlow, req.TriggerType)
	}
	if req.OffsetHours < 0 {
		return nil, fmt.Errorf("%w: offsetHours must be >= 0", ErrInvalidFlow)
	}
	switch req.MessageKind {
	case db.KindInvite, db.KindReminder, db.KindEventDay, db.KindThankYou:
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrInvalidFlow, req.MessageKind)
	}
	switch req.Channel {
	case db.ChannelChat, db.ChannelText, db.ChannelAuto:
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidFlow, req.Channel)
	}

	ev, err := m.dir.GetEvent(ctx, req.EventID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && ev.AccountID != req.AccountID) {
		return nil, fmt.Errorf("%w: event not found", ErrInvalidFlow)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	templateID := req.TemplateID
	if templateID == "" {
		templateID = req.MessageKind
	}
	shape := req.Shape
	if shape == "" {
		shape = compose.ShapeText
	}

	f := &db.AutomationFlow{
		ID:          uuid.New(),
		AccountID:   req.AccountID,
		EventID:     req.EventID,
		Name:        req.Name,
		TriggerType: req.TriggerType,
		OffsetHours: req.OffsetHours,
		MessageKind: req.MessageKind,
		Channel:     req.Channel,
		Shape:       shape,
		TemplateID:  templateID,
		Status:      db.FlowStatusDraft,
	}
	if err := m.flows.CreateFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}
	return f, nil
}

func (m *Manager) List(ctx context.Context, eventID uuid.UUID) ([]*db.AutomationFlow, error) {
	return m.flows.ListFlows(ctx, eventID)
}

// SetStatus moves a flow along DRAFT → ACTIVE ⇄ PAUSED → ARCHIVED.
func (m *Manager) SetStatus(ctx context.Context, id uuid.UUID, status string) (*db.AutomationFlow, error) {
	f, err := m.flows.GetFlow(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	if f.Status == status {
		return f, nil
	}

	allowed := false
	for _, s := range flowTransitions[f.Status] {
		if s == status {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, status)
	}

	updated, err := m.flows.UpdateFlowStatus(ctx, id, status, m.now())
	if err != nil {
		return nil, fmt.Errorf("update flow status: %w", err)
	}
	m.logger.Info("automation flow status changed",
		zap.String("flow_id", id.String()),
		zap.String("from", f.Status),
		zap.String("to", status),
	)
	return updated, nil
}
