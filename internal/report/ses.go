// Package report emails account owners when a bulk job finishes.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// API is the subset of *ses.Client used here.
type API interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Directory fills in the account or event when the caller did not have it.
type Directory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewClient builds an SES client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg SESConfig) (*ses.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return ses.NewFromConfig(awsCfg), nil
}

// SESReporter sends a plain-text summary of a terminal job.
type SESReporter struct {
	client API
	dir    Directory
	from   string
	logger *zap.Logger
}

func NewSESReporter(client API, dir Directory, from string, logger *zap.Logger) *SESReporter {
	return &SESReporter{client: client, dir: dir, from: from, logger: logger}
}

// JobFinished emails the account owner. Accounts without an email address are
// skipped.
func (s *SESReporter) JobFinished(ctx context.Context, job *db.BulkJob, acct *db.Account, ev *db.Event) error {
	if acct == nil {
		a, err := s.dir.GetAccount(ctx, job.AccountID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		acct = a
	}
	if acct.Email == "" {
		return nil
	}
	if ev == nil {
		// A deleted event still gets a report, just without its name.
		if e, err := s.dir.GetEvent(ctx, job.EventID); err == nil {
			ev = e
		}
	}

	subject, body := Summary(job, ev)
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{acct.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("job report sent via SES",
		zap.String("job_id", job.ID.String()),
		zap.String("to", acct.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Summary renders the subject and body of a job report.
func Summary(job *db.BulkJob, ev *db.Event) (subject, body string) {
	name := "your event"
	if ev != nil && ev.Name != "" {
		name = ev.Name
	}
	subject = fmt.Sprintf("%s %s: %s", strings.ReplaceAll(job.MessageKind, "-", " "), name, strings.ToLower(job.Status))

	var b strings.Builder
	fmt.Fprintf(&b, "Job %s finished with status %s.\n\n", job.ID, job.Status)
	fmt.Fprintf(&b, "Channel:    %s\n", job.Channel)
	fmt.Fprintf(&b, "Recipients: %d\n", job.TotalRecipients)
	fmt.Fprintf(&b, "Sent:       %d\n", job.SuccessCount)
	fmt.Fprintf(&b, "Failed:     %d\n", job.FailedCount)
	fmt.Fprintf(&b, "Skipped:    %d\n", job.SkippedCount)
	if unsent := job.TotalRecipients - job.ProcessedCount; unsent > 0 {
		fmt.Fprintf(&b, "Not sent:   %d\n", unsent)
	}
	if job.ErrorMessage != nil {
		fmt.Fprintf(&b, "\nReason: %s\n", *job.ErrorMessage)
	}
	return subject, b.String()
}
