// Package sqs carries dispatch ticks: one message per pending Continue call.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// maxDelay is the SQS limit for DelaySeconds.
const maxDelay = 15 * time.Minute

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of *sqs.Client the tick queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is the payload sent to SQS.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// Tick is a received message plus the handle needed to ack it.
type Tick struct {
	Message
	ReceiptHandle string
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer enqueues ticks.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs tick producer initialized", zap.String("queue_url", queueURL))
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// EnqueueTick schedules a Continue call for jobID after delay.
// Returns the message ID for tracking.
func (p *Producer) EnqueueTick(ctx context.Context, jobID uuid.UUID, attempt int, delay time.Duration) (string, error) {
	body, err := json.Marshal(Message{
		JobID:      jobID,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	delay = min(max(delay, 0), maxDelay)
	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		p.logger.Error("failed to send tick to sqs",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	metrics.RecordTickEnqueued()
	return aws.ToString(result.MessageId), nil
}

// Consumer reads ticks from SQS.
type Consumer struct {
	client            API
	queueURL          string
	visibilityTimeout int32
	logger            *zap.Logger
}

func NewConsumer(client API, queueURL string, visibility time.Duration, logger *zap.Logger) *Consumer {
	logger.Info("sqs tick consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		visibilityTimeout: int32(visibility / time.Second),
		logger:            logger,
	}
}

// Receive long-polls for up to n ticks. Malformed bodies are deleted and
// skipped.
func (c *Consumer) Receive(ctx context.Context, n int32) ([]Tick, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: min(max(n, 1), 10),
		WaitTimeSeconds:     20,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	ticks := make([]Tick, 0, len(result.Messages))
	for _, m := range result.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.JobID == uuid.Nil {
			c.logger.Error("dropping malformed tick",
				zap.Error(err),
				zap.String("message_id", aws.ToString(m.MessageId)),
			)
			if derr := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); derr != nil {
				c.logger.Warn("failed to delete malformed tick", zap.Error(derr))
			}
			continue
		}
		ticks = append(ticks, Tick{Message: msg, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return ticks, nil
}

// Delete removes a tick after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Defer makes a tick visible again after d, for retrying a busy job.
func (c *Consumer) Defer(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
