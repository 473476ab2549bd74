// Package ratelimit enforces per-identity request windows and a cap on
// concurrently running operations.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
)

// Policy bounds one identity's traffic.
type Policy struct {
	MaxPerMinute  int
	MaxPerHour    int
	MaxConcurrent int
}

var (
	// Strict applies to production deployments.
	Strict = Policy{MaxPerMinute: 60, MaxPerHour: 1000, MaxConcurrent: 10}
	// Permissive applies everywhere else.
	Permissive = Policy{MaxPerMinute: 300, MaxPerHour: 10000, MaxConcurrent: 50}
)

// PolicyFor picks the profile for a deployment.
func PolicyFor(strict bool) Policy {
	if strict {
		return Strict
	}
	return Permissive
}

type window struct {
	name string
	size time.Duration
	max  func(Policy) int
}

var windows = []window{
	{name: "minute", size: time.Minute, max: func(p Policy) int { return p.MaxPerMinute }},
	{name: "hour", size: time.Hour, max: func(p Policy) int { return p.MaxPerHour }},
}

// Limiter checks requests against a Policy. Check and the increments it makes
// happen under one lock so concurrent callers cannot overshoot a window.
type Limiter struct {
	mu     sync.Mutex
	store  Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
	seq    uint64
}

func NewLimiter(store Store, policy Policy, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check admits one request for identity/operation or fails with RATE_LIMITED.
// An admitted request holds a concurrency slot until MarkCompleted.
func (l *Limiter) Check(identity, operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.store.PurgeExpired(now)

	if open := l.store.CountTokens(tokenPrefix(identity)); open >= l.policy.MaxConcurrent {
		l.logger.Warn("concurrency limit reached", "identity", identity, "operation", operation, "open", open)
		return apperr.Newf(apperr.KindRateLimited, "too many concurrent operations (%d)", open)
	}

	counters := make([]Counter, len(windows))
	for i, w := range windows {
		key := counterKey(identity, operation, w.name)
		c, ok := l.store.Get(key)
		if !ok || !now.Before(c.ResetAt) {
			c = Counter{ResetAt: bucketEnd(now, w.size)}
		}
		if c.Count >= w.max(l.policy) {
			l.logger.Warn("rate limit exceeded",
				"identity", identity, "operation", operation, "window", w.name, "reset_at", c.ResetAt)
			return apperr.Newf(apperr.KindRateLimited, "%s limit of %d reached", w.name, w.max(l.policy))
		}
		counters[i] = c
	}

	for i, w := range windows {
		c := counters[i]
		c.Count++
		l.store.Put(counterKey(identity, operation, w.name), c)
	}
	l.seq++
	l.store.AddToken(fmt.Sprintf("%s%020d:%06d", tokenPrefix(identity), now.UnixNano(), l.seq%1000000))
	return nil
}

// MarkCompleted releases one concurrency slot held by identity.
func (l *Limiter) MarkCompleted(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.store.RemoveToken(tokenPrefix(identity)) {
		l.logger.Debug("no open operation to release", "identity", identity)
	}
}

// Key parts are query-escaped so an identity containing ':' cannot share
// counters or tokens with another identity.
func counterKey(identity, operation, window string) string {
	return url.QueryEscape(identity) + ":" + url.QueryEscape(operation) + ":" + window
}

func tokenPrefix(identity string) string {
	return url.QueryEscape(identity) + ":"
}

func bucketEnd(now time.Time, size time.Duration) time.Time {
	return now.Truncate(size).Add(size)
}
