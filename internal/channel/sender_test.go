package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/compose"
)

type blockingSender struct {
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error) {
	<-b.release
	return &Receipt{ProviderMessageID: "late"}, nil
}

func (b *blockingSender) TestConnection(ctx context.Context) error { return nil }
func (b *blockingSender) Channel() string                          { return Chat }
func (b *blockingSender) RateCeiling() float64                     { return 1 }

func TestWithTimeout(t *testing.T) {
	inner := &blockingSender{release: make(chan struct{})}
	defer close(inner.release)

	s := WithTimeout(inner, 20*time.Millisecond)

	start := time.Now()
	_, err := s.Send(context.Background(), "42", &compose.Message{Text: "hi"})
	if KindOf(err) != ProviderDown {
		t.Fatalf("expected PROVIDER_DOWN, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the send")
	}
	if s.Channel() != Chat || s.RateCeiling() != 1 {
		t.Error("decorator should forward metadata")
	}
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	s := WithTimeout(NewLogSender(Text, 10, zap.NewNop()), time.Second)

	r, err := s.Send(context.Background(), "+15551234567", &compose.Message{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ProviderMessageID == "" {
		t.Error("expected provider message id")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"send error", Fail(RateLimited, errors.New("slow down")), RateLimited},
		{"wrapped send error", fmt.Errorf("chunk: %w", Fail(InvalidAddress, nil)), InvalidAddress},
		{"deadline", context.DeadlineExceeded, ProviderDown},
		{"plain", errors.New("boom"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	logger := zap.NewNop()
	r := NewRegistry(NewLogSender(Text, 10, logger), NewLogSender(Chat, 20, logger))

	if got := r.Channels(); len(got) != 2 || got[0] != Chat || got[1] != Text {
		t.Errorf("unexpected channels %v", got)
	}
	if s, ok := r.Get(Chat); !ok || s.RateCeiling() != 20 {
		t.Error("chat sender not registered")
	}
	if _, ok := r.Get("pigeon"); ok {
		t.Error("unexpected sender")
	}
}

func TestLogSender_EmptyAddress(t *testing.T) {
	s := NewLogSender(Chat, 20, zap.NewNop())
	if _, err := s.Send(context.Background(), "", &compose.Message{Text: "hi"}); KindOf(err) != InvalidAddress {
		t.Errorf("expected INVALID_ADDRESS, got %v", err)
	}
}
