// Package circuitbreaker stops a chunk from spending its whole time budget
// on a provider that is already failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open:     MaxFailures consecutive provider failures
//	Open     -> HalfOpen: Cooldown elapsed
//	HalfOpen -> Closed:   probe succeeded
//	HalfOpen -> Open:     probe failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name is the channel the breaker guards.
	Name        string
	MaxFailures int
	Cooldown    time.Duration
	// Probes is how many sends may run while half-open.
	Probes int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		Probes:      1,
	}
}

type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	state     State
	failures  int
	openedAt  time.Time
	changedAt time.Time
	inFlight  int

	rejected int64
	tripped  int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	return NewWithClock(cfg, time.Now, logger)
}

func NewWithClock(cfg Config, now func() time.Time, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &CircuitBreaker{
		cfg:       cfg,
		now:       now,
		logger:    logger,
		changedAt: now(),
	}
}

// Allow reports whether a send may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.inFlight = 1
		return true
	case StateHalfOpen:
		if cb.inFlight < cb.cfg.Probes {
			cb.inFlight++
			return true
		}
		cb.rejected++
		return false
	}
	return false
}

// Success closes a half-open breaker and clears the failure streak.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed", zap.String("channel", cb.cfg.Name))
	}
}

// Failure counts a provider-side failure.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

// Neutral ends a half-open probe without judging the provider, e.g. when
// the recipient address was bad.
func (cb *CircuitBreaker) Neutral() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Rejected  int64     `json:"rejected"`
	Tripped   int64     `json:"tripped"`
	ChangedAt time.Time `json:"changedAt"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:      cb.cfg.Name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Rejected:  cb.rejected,
		Tripped:   cb.tripped,
		ChangedAt: cb.changedAt,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.setState(StateClosed)
}

// caller holds mu
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.tripped++
	cb.setState(StateOpen)
	cb.logger.Warn("circuit breaker opened",
		zap.String("channel", cb.cfg.Name),
		zap.Int("failures", cb.failures),
		zap.Duration("cooldown", cb.cfg.Cooldown),
	)
}

// caller holds mu
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state change",
		zap.String("channel", cb.cfg.Name),
		zap.String("from", cb.state.String()),
		zap.String("to", s.String()),
	)
	cb.state = s
	cb.changedAt = cb.now()
	cb.inFlight = 0
}
