// Package channel adapts external delivery providers to one send contract.
// Adapters never sleep or retry; pacing lives in the dispatcher.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/compose"
)

// Channel names
const (
	Chat = "chat"
	Text = "text"
)

// ErrorKind classifies a failed send.
type ErrorKind string

const (
	InvalidAddress  ErrorKind = "INVALID_ADDRESS"
	RateLimited     ErrorKind = "RATE_LIMITED"
	ProviderDown    ErrorKind = "PROVIDER_DOWN"
	ContentRejected ErrorKind = "CONTENT_REJECTED"
	Unknown         ErrorKind = "UNKNOWN"
)

// SendError is the only error type a Sender returns from Send.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Fail wraps err with kind.
func Fail(kind ErrorKind, err error) error {
	return &SendError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind of err. Errors that are not a SendError are Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderDown
	}
	return Unknown
}

// Receipt is what a provider returns for a delivered message.
type Receipt struct {
	ProviderMessageID string
	Response          string
}

// Sender delivers one rendered message to one address.
type Sender interface {
	Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error)
	TestConnection(ctx context.Context) error
	Channel() string
	// RateCeiling is the provider's sustained limit in requests per second.
	RateCeiling() float64
}

// Registry maps channel names to senders.
type Registry struct {
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender)}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

func (r *Registry) Get(channel string) (Sender, bool) {
	s, ok := r.senders[channel]
	return s, ok
}

// Channels returns the registered channel names in sorted order.
func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogSender logs messages instead of delivering them (for testing/development)
type LogSender struct {
	channel string
	ceiling float64
	logger  *zap.Logger
}

func NewLogSender(channel string, ceiling float64, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, ceiling: ceiling, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error) {
	if address == "" {
		return nil, Fail(InvalidAddress, errors.New("empty address"))
	}
	s.logger.Info("message sent",
		zap.String("channel", s.channel),
		zap.String("address", address),
		zap.String("shape", msg.Shape),
		zap.Int("length", len(msg.Text)),
	)
	return &Receipt{ProviderMessageID: "log-" + uuid.NewString(), Response: "logged"}, nil
}

func (s *LogSender) TestConnection(ctx context.Context) error { return nil }
func (s *LogSender) Channel() string                          { return s.channel }
func (s *LogSender) RateCeiling() float64                     { return s.ceiling }

type timeoutSender struct {
	Sender
	timeout time.Duration
}

// WithTimeout bounds every Send to d. A send still running at the deadline
// is reported as ProviderDown.
func WithTimeout(s Sender, d time.Duration) Sender {
	if d <= 0 {
		return s
	}
	return &timeoutSender{Sender: s, timeout: d}
}

type sendResult struct {
	receipt *Receipt
	err     error
}

func (t *timeoutSender) Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		r, err := t.Sender.Send(ctx, address, msg)
		done <- sendResult{r, err}
	}()

	select {
	case res := <-done:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, Fail(ProviderDown, fmt.Errorf("send timed out after %s: %w", t.timeout, ctx.Err()))
	}
}
