package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

func newTestManager(t *testing.T) (*Manager, *fixture) {
	t.Helper()
	f := newFixture(t)
	return NewManager(f.store, f.dir, zap.NewNop()), f
}

func TestManager_Create(t *testing.T) {
	m, f := newTestManager(t)

	flow, err := m.Create(context.Background(), FlowRequest{
		AccountID:   f.event.AccountID,
		EventID:     f.event.ID,
		Name:        "nudge",
		TriggerType: TriggerNoResponse,
		OffsetHours: 48,
		MessageKind: db.KindReminder,
		Channel:     db.ChannelAuto,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if flow.Status != db.FlowStatusDraft || flow.TemplateID != db.KindReminder || flow.Shape != "text" {
		t.Errorf("unexpected defaults: %+v", flow)
	}
	if _, ok := f.store.flows[flow.ID]; !ok {
		t.Error("flow not stored")
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m, f := newTestManager(t)
	base := FlowRequest{
		AccountID:   f.event.AccountID,
		EventID:     f.event.ID,
		Name:        "n",
		TriggerType: TriggerNoResponse,
		MessageKind: db.KindReminder,
		Channel:     db.ChannelChat,
	}

	tests := []struct {
		name   string
		modify func(*FlowRequest)
	}{
		{"missing name", func(r *FlowRequest) { r.Name = "" }},
		{"bad trigger", func(r *FlowRequest) { r.TriggerType = "weekly" }},
		{"negative offset", func(r *FlowRequest) { r.OffsetHours = -1 }},
		{"bad kind", func(r *FlowRequest) { r.MessageKind = "promo" }},
		{"bad channel", func(r *FlowRequest) { r.Channel = "fax" }},
		{"foreign event", func(r *FlowRequest) { r.AccountID = uuid.New() }},
		{"unknown event", func(r *FlowRequest) { r.EventID = uuid.New() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)
			if _, err := m.Create(context.Background(), req); !errors.Is(err, ErrInvalidFlow) {
				t.Errorf("expected ErrInvalidFlow, got %v", err)
			}
		})
	}
}

func TestManager_SetStatus(t *testing.T) {
	m, f := newTestManager(t)
	flow := f.addFlow(TriggerEventDay, 0, db.FlowStatusDraft)
	ctx := context.Background()

	steps := []struct {
		to      string
		wantErr bool
	}{
		{db.FlowStatusPaused, true},
		{db.FlowStatusActive, false},
		{db.FlowStatusActive, false},
		{db.FlowStatusPaused, false},
		{db.FlowStatusActive, false},
		{db.FlowStatusArchived, false},
		{db.FlowStatusActive, true},
	}
	for i, s := range steps {
		_, err := m.SetStatus(ctx, flow.ID, s.to)
		if (err != nil) != s.wantErr {
			t.Fatalf("step %d (-> %s): err=%v, wantErr=%v", i, s.to, err, s.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("step %d: expected ErrInvalidTransition, got %v", i, err)
		}
	}

	if _, err := m.SetStatus(ctx, uuid.New(), db.FlowStatusActive); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}
