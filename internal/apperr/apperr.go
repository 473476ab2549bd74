// Package apperr defines the error taxonomy shared by the settlement core.
// Provider adapters translate raw failures into an *Error once; everything
// above that boundary switches on Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindRateLimited    Kind = "RATE_LIMITED"
	KindCircuitOpen    Kind = "CIRCUIT_BREAKER_OPEN"
	KindSessionExpired Kind = "SESSION_EXPIRED"
	KindInsufficient   Kind = "INSUFFICIENT_FUNDS"
	KindGasRequired    Kind = "GAS_REQUIRED"
	KindNonceConflict  Kind = "NONCE_CONFLICT"
	KindRejected       Kind = "REJECTED"
	KindTimeout        Kind = "TIMEOUT"
	KindUnsupported    Kind = "UNSUPPORTED_CHAIN"
	KindInvalidSig     Kind = "INVALID_SIGNATURE"
	KindNotFound       Kind = "TRANSACTION_NOT_FOUND"
	KindInvalidPayload Kind = "INVALID_PAYLOAD"
	KindNetwork        Kind = "NETWORK_ERROR"
	KindConflict       Kind = "STATUS_CONFLICT"
	KindUnknown        Kind = "UNKNOWN"
)

// Error is a classified failure. Message keeps the original detail.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.New(KindTimeout, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind with retryability taken from the kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: retryableByDefault(kind)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err under kind, preserving it for errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Retryable: retryableByDefault(kind), Err: err}
}

// KindOf reports the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// retryableByDefault excludes KindCircuitOpen: an open breaker stays open for
// its whole recovery window.
func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindTimeout, KindNetwork, KindConflict:
		return true
	}
	return false
}

var userMessages = map[Kind]string{
	KindRateLimited:    "Too many requests right now, please wait a moment and try again.",
	KindCircuitOpen:    "The wallet service is temporarily unavailable, please try again shortly.",
	KindSessionExpired: "Your session expired, please retry.",
	KindInsufficient:   "Not enough funds to complete this transaction.",
	KindGasRequired:    "Not enough native balance to pay network fees.",
	KindNonceConflict:  "Another transaction is still pending, please retry in a moment.",
	KindRejected:       "The transaction was rejected.",
	KindTimeout:        "The request timed out, please try again.",
	KindUnsupported:    "This network is not supported.",
	KindInvalidSig:     "Invalid signature.",
	KindNotFound:       "Transaction not found.",
	KindInvalidPayload: "The request is missing required fields.",
	KindNetwork:        "Network problem reaching the wallet service, please try again.",
	KindConflict:       "The transaction was updated concurrently, please retry.",
	KindUnknown:        "Something went wrong, please try again.",
}

// UserMessage returns one short, non-technical sentence for kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// HTTPStatus maps a kind to the response code used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindInvalidSig:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidPayload, KindUnsupported:
		return http.StatusBadRequest
	case KindInsufficient, KindGasRequired, KindRejected, KindSessionExpired:
		return http.StatusUnprocessableEntity
	case KindNonceConflict, KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
