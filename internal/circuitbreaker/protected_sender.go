package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/compose"
)

// ProtectedSender fails fast with PROVIDER_DOWN while its breaker is open.
// Those errors wrap ErrCircuitOpen; the provider was never called.
// Only provider-side kinds (PROVIDER_DOWN, UNKNOWN) count as failures; a bad
// address or rejected content says nothing about provider health.
type ProtectedSender struct {
	channel.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender channel.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{Sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedSender) Send(ctx context.Context, address string, msg *compose.Message) (*channel.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Debug("send rejected by open circuit",
			zap.String("channel", p.Channel()),
		)
		return nil, channel.Fail(channel.ProviderDown, fmt.Errorf("%w: %s", ErrCircuitOpen, p.Channel()))
	}

	receipt, err := p.Sender.Send(ctx, address, msg)
	switch channel.KindOf(err) {
	case "":
		p.breaker.Success()
	case channel.ProviderDown, channel.Unknown:
		p.breaker.Failure()
	default:
		p.breaker.Neutral()
	}
	return receipt, err
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
