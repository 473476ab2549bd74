// Package safety wraps settlement operations in rate limiting and the
// blockchain retry profile.
package safety

import (
	"context"
	"log/slog"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/ratelimit"
	"github.com/NgigiN/stablelink/internal/retry"
)

// Guard holds what every wrapped operation shares. In strict mode each call
// is admitted by the limiter and audited.
type Guard struct {
	limiter *ratelimit.Limiter
	retrier *retry.Retrier
	policy  retry.Policy
	strict  bool
	logger  *slog.Logger
}

func NewGuard(limiter *ratelimit.Limiter, retrier *retry.Retrier, strict bool, logger *slog.Logger) *Guard {
	return &Guard{
		limiter: limiter,
		retrier: retrier,
		policy:  retry.Profile(retry.ProfileBlockchain),
		strict:  strict,
		logger:  logger,
	}
}

// WithPolicy overrides the retry policy applied to every operation.
func (g *Guard) WithPolicy(p retry.Policy) *Guard {
	g.policy = p
	return g
}

func (g *Guard) Strict() bool {
	return g.strict
}

// Do runs op for identity. In strict mode the limiter must admit the call
// first and its concurrency slot is released however op ends.
func Do[T any](ctx context.Context, g *Guard, identity, opType string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.strict {
		if err := g.limiter.Check(identity, opType); err != nil {
			g.logger.Warn("operation rejected by rate limiter",
				"identity", identity, "operation", opType, "kind", apperr.KindOf(err))
			return zero, err
		}
		defer g.limiter.MarkCompleted(identity)
		g.logger.Info("audit: operation started", "identity", identity, "operation", opType)
	}

	start := time.Now()
	result, err := retry.Do(ctx, g.retrier, g.policy, op)
	if g.strict {
		if err != nil {
			g.logger.Error("audit: operation failed",
				"identity", identity, "operation", opType,
				"kind", apperr.KindOf(err), "duration", time.Since(start).String(), "error", err)
		} else {
			g.logger.Info("audit: operation finished",
				"identity", identity, "operation", opType, "duration", time.Since(start).String())
		}
	}
	return result, err
}
