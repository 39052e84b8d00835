package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type fakeSES struct {
	sent []*ses.SendEmailInput
	err  error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeDir struct {
	accounts map[uuid.UUID]*db.Account
	events   map[uuid.UUID]*db.Event
}

func (d *fakeDir) GetAccount(_ context.Context, id uuid.UUID) (*db.Account, error) {
	if a, ok := d.accounts[id]; ok {
		return a, nil
	}
	return nil, db.ErrNotFound
}

func (d *fakeDir) GetEvent(_ context.Context, id uuid.UUID) (*db.Event, error) {
	if e, ok := d.events[id]; ok {
		return e, nil
	}
	return nil, db.ErrNotFound
}

func testJob() *db.BulkJob {
	return &db.BulkJob{
		ID:              uuid.New(),
		AccountID:       uuid.New(),
		EventID:         uuid.New(),
		MessageKind:     db.KindThankYou,
		Channel:         db.ChannelText,
		TotalRecipients: 10,
		ProcessedCount:  10,
		SuccessCount:    7,
		FailedCount:     1,
		SkippedCount:    2,
		Status:          db.JobStatusCompleted,
	}
}

func TestJobFinished_SendsReport(t *testing.T) {
	client := &fakeSES{}
	r := NewSESReporter(client, &fakeDir{}, "noreply@herald.test", zap.NewNop())
	job := testJob()
	acct := &db.Account{ID: job.AccountID, Email: "owner@example.com"}
	ev := &db.Event{ID: job.EventID, Name: "Spring Gala"}

	if err := r.JobFinished(context.Background(), job, acct, ev); err != nil {
		t.Fatalf("JobFinished: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(client.sent))
	}
	in := client.sent[0]
	if in.Destination.ToAddresses[0] != "owner@example.com" || aws.ToString(in.Source) != "noreply@herald.test" {
		t.Errorf("unexpected addressing: %+v", in)
	}
	if subject := aws.ToString(in.Message.Subject.Data); subject != "thank you Spring Gala: completed" {
		t.Errorf("unexpected subject %q", subject)
	}
	if body := aws.ToString(in.Message.Body.Text.Data); !strings.Contains(body, "Sent:       7") {
		t.Errorf("body missing counts:\n%s", body)
	}
}

func TestJobFinished_LooksUpMissingAccount(t *testing.T) {
	client := &fakeSES{}
	job := testJob()
	dir := &fakeDir{
		accounts: map[uuid.UUID]*db.Account{job.AccountID: {ID: job.AccountID, Email: "owner@example.com"}},
	}
	r := NewSESReporter(client, dir, "noreply@herald.test", zap.NewNop())

	if err := r.JobFinished(context.Background(), job, nil, nil); err != nil {
		t.Fatalf("JobFinished: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(client.sent))
	}
	if subject := aws.ToString(client.sent[0].Message.Subject.Data); !strings.Contains(subject, "your event") {
		t.Errorf("expected fallback event name, got %q", subject)
	}
}

func TestJobFinished_Skips(t *testing.T) {
	job := testJob()
	tests := []struct {
		name string
		acct *db.Account
	}{
		{"deleted account", nil},
		{"no email", &db.Account{ID: job.AccountID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSES{}
			r := NewSESReporter(client, &fakeDir{}, "from@x", zap.NewNop())
			if err := r.JobFinished(context.Background(), job, tt.acct, nil); err != nil {
				t.Fatalf("JobFinished: %v", err)
			}
			if len(client.sent) != 0 {
				t.Errorf("expected no email, got %d", len(client.sent))
			}
		})
	}
}

func TestJobFinished_SendError(t *testing.T) {
	client := &fakeSES{err: errors.New("throttled")}
	r := NewSESReporter(client, &fakeDir{}, "from@x", zap.NewNop())
	job := testJob()

	err := r.JobFinished(context.Background(), job, &db.Account{Email: "a@b.c"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSummary_FailedJob(t *testing.T) {
	job := testJob()
	job.Status = db.JobStatusFailed
	job.ProcessedCount = 4
	reason := "event deleted"
	job.ErrorMessage = &reason

	_, body := Summary(job, nil)
	if !strings.Contains(body, "Not sent:   6") || !strings.Contains(body, "Reason: event deleted") {
		t.Errorf("unexpected body:\n%s", body)
	}
}
