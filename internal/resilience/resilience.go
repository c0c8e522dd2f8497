// Package resilience provides the fault-tolerance primitives the Session
// Worker uses to implement its degraded/cool-down/probe state machine, backed
// by github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff).
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/r3e-labs/instrument-gateway/pkg/logger"
)

// State mirrors gobreaker's circuit states under gateway-facing names.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "degraded"
	case StateHalfOpen:
		return "probing"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by Execute when the circuit rejects a call
// without running fn.
var (
	ErrCircuitOpen     = errors.New("instrument worker is degraded")
	ErrTooManyRequests = errors.New("probe already in flight")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int // consecutive transport errors before degrading
	Timeout       time.Duration // cool-down before a probe is allowed
	HalfOpenMax   int // concurrent probes allowed while cooling down
	OnStateChange func(from, to State)
}

// DegradedConfig returns the circuit breaker configuration matching the
// Session Worker failure model: two consecutive transport errors degrade
// the worker, a single probe (identify()) is allowed after the cool-down
// window, and a successful probe clears the degraded state.
func DegradedConfig(coolDown time.Duration) Config {
	if coolDown <= 0 {
		coolDown = 5 * time.Second
	}
	return Config{
		MaxFailures: 2,
		Timeout:     coolDown,
		HalfOpenMax: 1,
	}
}

// WithLogger attaches a state-change logger, matching the teacher's
// logger-on-state-change convenience.
func (c Config) WithLogger(equipmentID string, log *logger.Logger) Config {
	if log == nil {
		return c
	}
	c.OnStateChange = func(from, to State) {
		log.WithFields(map[string]interface{}{
			"equipment_id": equipmentID,
			"from_state":   from.String(),
			"to_state":     to.String(),
		}).Warn("session worker circuit state changed")
	}
	return c
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with an Execute(ctx, fn)
// signature decoupled from gobreaker's own API, so the rest of the gateway
// never imports gobreaker directly.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection. The ctx parameter is
// accepted for caller symmetry with the rest of the gateway's blocking
// calls; gobreaker itself does not use it, so callers must enforce
// deadlines on fn.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures exponential backoff retries, used by the Session
// Worker to retry unclassified driver errors inside its circuit breaker.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig returns sensible connection-retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff using cenkalti/backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// Permanent marks err as non-retryable: Retry returns it immediately instead
// of continuing to back off, matching cenkalti/backoff's permanent-failure
// convention. Callers use this to stop retrying a classified error (e.g. a
// rejected parameter) while still retrying an unclassified transport error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
