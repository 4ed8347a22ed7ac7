// Package resilience wraps unreliable calls with circuit breakers and
// exponential-backoff retry.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/logging"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Zero means bounded by MaxElapsedTime only
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = c.InitialInterval
	p.MaxInterval = c.MaxInterval
	p.MaxElapsedTime = c.MaxElapsedTime
	p.Multiplier = c.Multiplier
	p.RandomizationFactor = c.RandomizationFactor

	var b backoff.BackOff = p
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, returns a backoff.Permanent error, the
// policy gives up, or ctx ends.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return op()
	}, cfg.policy(ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// BreakerRegistry manages one circuit breaker per executor instance.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
	trip     uint32
	timeout  time.Duration
}

// NewBreakerRegistry creates a registry. Breakers open after trip consecutive
// failures and half-open after timeout.
func NewBreakerRegistry(logger *slog.Logger, trip uint32, timeout time.Duration) *BreakerRegistry {
	if trip == 0 {
		trip = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logging.Component(logger, "breaker"),
		trip:     trip,
		timeout:  timeout,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the executor's.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[name] = cb
	return cb
}

// State reports the breaker state for name without creating one.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
