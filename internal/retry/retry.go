// internal/retry/retry.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy defines how to retry failed operations
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	retryIf      func(error) bool
	onRetry      func(attempt int, err error)
	logger       *zap.Logger
}

// Option configures retry behavior
type Option func(*Policy)

// WithMaxAttempts sets maximum attempts, including the first one
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.maxAttempts = n
	}
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.initialDelay = d
	}
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.maxDelay = d
	}
}

// WithMultiplier sets the backoff growth factor
func WithMultiplier(m float64) Option {
	return func(p *Policy) {
		p.multiplier = m
	}
}

// WithJitter enables jitter to prevent thundering herd
func WithJitter(enabled bool) Option {
	return func(p *Policy) {
		p.jitter = enabled
	}
}

// WithRetryIf limits retries to errors accepted by fn
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.retryIf = fn
	}
}

// WithOnRetry is called before each delayed re-attempt
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(p *Policy) {
		p.onRetry = fn
	}
}

// WithLogger adds logging to retry attempts
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy creates a new retry policy. By default every error whose gRPC
// code is transient is retried.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:  3,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		retryIf:      IsTransient,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.multiplier < 1.0 {
		p.multiplier = 1.0
	}

	return p
}

// Never returns a policy that runs fn exactly once.
func Never() *Policy {
	return NewPolicy(WithMaxAttempts(1))
}

// MaxAttempts returns the configured attempt budget
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs a function with retry logic
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return contextError(ctx, lastErr)
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return nil
		}
		lastErr = err

		if !p.retryIf(err) {
			return err
		}

		// Don't delay after the last attempt
		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)

		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))
		if p.onRetry != nil {
			p.onRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return contextError(ctx, lastErr)
		}
	}

	if p.maxAttempts > 1 {
		p.logger.Debug("operation failed after all retries",
			zap.Error(lastErr),
			zap.Int("attempts", p.maxAttempts))
	}

	return lastErr
}

func contextError(ctx context.Context, lastErr error) error {
	if lastErr == nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
}

// Delay computes the backoff for the given zero-based attempt
func (p *Policy) Delay(attempt int) time.Duration {
	// Exponential backoff: delay = initial * (multiplier ^ attempt)
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))

	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	if p.jitter {
		// Jitter between 0.5x and 1.5x the delay
		delay = delay * (0.5 + rand.Float64())
	}

	return time.Duration(delay)
}

// IsTransient reports whether err carries a gRPC code that is worth
// retrying for an idempotent call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.DeadlineExceeded:
		return !errors.Is(err, context.DeadlineExceeded)
	default:
		return false
	}
}
