package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// RetryConfig parameterizes a RetryPolicy for one call site.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RetryPolicy implements bounded exponential backoff with jitter.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   func(error) bool
	sleep       func(context.Context, time.Duration) error
}

// NewRetryPolicy builds a policy that retries transient errors. Zero fields
// fall back to the defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		retryable:   IsTransient,
		sleep:       sleepCtx,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	return p
}

// WithRetryable returns a copy of the policy using a different predicate.
func (p *RetryPolicy) WithRetryable(fn func(error) bool) *RetryPolicy {
	cp := *p
	cp.retryable = fn
	return &cp
}

// MaxAttempts returns the total number of tries, first call included.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after the given
// (1-based) attempt.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return p.retryable(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It reports how many attempts were made.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return attempt, err
		}
		wait := p.Backoff(attempt)
		var srcErr *SourceError
		if errors.As(err, &srcErr) && srcErr.RetryAfter > wait {
			wait = min(srcErr.RetryAfter, p.maxDelay)
		}
		if serr := p.sleep(ctx, wait); serr != nil {
			return attempt, fmt.Errorf("%w (retry aborted: %w)", err, serr)
		}
	}
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
