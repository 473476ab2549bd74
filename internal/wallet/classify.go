package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/NgigiN/stablelink/internal/apperr"
)

// sessionExpiredSignatures identify the custody provider's expired
// authorization session, matched case-insensitively.
var sessionExpiredSignatures = []string{
	"session key is expired",
	"session has expired",
	"session expired",
	"authorization signature expired",
	"expired user session",
}

type rule struct {
	kind     apperr.Kind
	patterns []string
}

// rules are checked in order; the first matching pattern wins.
var rules = []rule{
	{apperr.KindInsufficient, []string{"insufficient funds for transfer", "transfer amount exceeds balance", "insufficient balance", "exceeds balance"}},
	{apperr.KindGasRequired, []string{"insufficient funds for gas", "gas required exceeds", "intrinsic gas too low", "insufficient funds for intrinsic"}},
	{apperr.KindNonceConflict, []string{"nonce too low", "nonce too high", "replacement transaction underpriced", "already known"}},
	{apperr.KindRejected, []string{"user rejected", "rejected by", "denied", "policy violation", "execution reverted"}},
	{apperr.KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{apperr.KindRateLimited, []string{"too many requests", "rate limit"}},
	{apperr.KindNetwork, []string{"connection refused", "connection reset", "no such host", "econnreset", "etimedout", "bad gateway", "service unavailable"}},
	{apperr.KindUnsupported, []string{"unsupported chain", "chain not supported"}},
}

// IsSessionExpired reports whether err carries the session-expiry signature.
func IsSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	if apperr.KindOf(err) == apperr.KindSessionExpired {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range sessionExpiredSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Classify translates a raw provider failure into the taxonomy. Session
// expiry wins over any earlier classification; other classified errors pass
// through unchanged.
func Classify(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if IsSessionExpired(err) {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KindSessionExpired {
			return e
		}
		return apperr.Wrap(apperr.KindSessionExpired, err)
	}
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindUnknown {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return apperr.Wrap(r.kind, err)
			}
		}
	}
	return apperr.Wrap(apperr.KindUnknown, err)
}
