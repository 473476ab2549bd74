package retry

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
)

// Policy controls how an operation is retried.
type Policy struct {
	Name           string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RetryableCodes []string
}

const (
	ProfileBlockchain = "blockchain"
	ProfileAPI        = "api"
	ProfileDatabase   = "database"
)

var profiles = map[string]Policy{
	ProfileBlockchain: {
		Name:        ProfileBlockchain,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		RetryableCodes: []string{
			string(apperr.KindNetwork),
			string(apperr.KindTimeout),
			string(apperr.KindRateLimited),
			string(apperr.KindNonceConflict),
			"ECONNRESET",
			"ETIMEDOUT",
			"connection reset",
		},
	},
	ProfileAPI: {
		Name:        ProfileAPI,
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  1.5,
		RetryableCodes: []string{
			string(apperr.KindNetwork),
			string(apperr.KindTimeout),
			string(apperr.KindRateLimited),
			"ECONNRESET",
			"ETIMEDOUT",
			"503",
		},
	},
	ProfileDatabase: {
		Name:        ProfileDatabase,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		RetryableCodes: []string{
			string(apperr.KindConflict),
			string(apperr.KindTimeout),
			"LOCKED",
			"BUSY",
			"deadlock",
		},
	},
}

// Option overrides a field of a named profile.
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.Multiplier = m }
}

func WithRetryableCodes(codes ...string) Option {
	return func(p *Policy) { p.RetryableCodes = codes }
}

// Profile returns the named default policy with overrides applied. Unknown
// names fall back to the api profile.
func Profile(name string, opts ...Option) Policy {
	p, ok := profiles[name]
	if !ok {
		p = profiles[ProfileAPI]
	}
	p.RetryableCodes = append([]string(nil), p.RetryableCodes...)
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Delay is the backoff before attempt+1, with attempt counted from 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err may succeed on another attempt.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := apperr.As(err); ok {
		if e.Kind == apperr.KindCircuitOpen {
			return false
		}
		if e.Retryable {
			return true
		}
		for _, code := range p.RetryableCodes {
			if code == string(e.Kind) {
				return true
			}
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, code := range p.RetryableCodes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return true
		}
	}
	return false
}

// Retrier runs operations under a policy.
type Retrier struct {
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// New builds a Retrier that sleeps on the wall clock.
func New(logger *slog.Logger) *Retrier {
	return &Retrier{logger: logger, sleep: Sleep}
}

// WithSleeper swaps the sleep function. Tests use it to record delays.
func (r *Retrier) WithSleeper(sleep func(context.Context, time.Duration) error) *Retrier {
	r.sleep = sleep
	return r
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy's
// attempts are spent. The last error is returned.
func Do[T any](ctx context.Context, r *Retrier, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.Retryable(err) {
			r.logger.Warn("operation failed with non-retryable error",
				"policy", policy.Name, "attempt", attempt, "error", err)
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		r.logger.Warn("operation failed, retrying",
			"policy", policy.Name, "attempt", attempt, "max_attempts", attempts,
			"delay", delay.String(), "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	r.logger.Error("operation failed after retries",
		"policy", policy.Name, "attempts", attempts, "error", lastErr)
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
