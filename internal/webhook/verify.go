package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/NgigiN/stablelink/internal/apperr"
)

const (
	OffRampSignatureHeader = "X-Offramp-Signature"
	OnRampSignatureHeader  = "X-Onramp-Signature"
	IndexerAuthHeader      = "Authorization"
)

// placeholderSecrets are values left over from example env files. A rail
// configured with one of them runs unverified.
var placeholderSecrets = map[string]bool{
	"":                    true,
	"changeme":            true,
	"change-me":           true,
	"placeholder":         true,
	"your-webhook-secret": true,
	"your_webhook_secret": true,
	"xxx":                 true,
}

// IsPlaceholder reports whether secret disables verification.
func IsPlaceholder(secret string) bool {
	return placeholderSecrets[strings.ToLower(strings.TrimSpace(secret))]
}

// Rail verifies and parses one provider's deliveries.
type Rail interface {
	Name() string
	// Verify reports false with a nil error when verification was skipped.
	Verify(h http.Header, body []byte) (bool, error)
	Parse(body []byte) ([]Event, error)
}

type hmacRail struct {
	name   string
	header string
	secret string
	parse  func([]byte) ([]Event, error)
}

func NewOffRamp(secret string) Rail {
	return &hmacRail{name: RailOffRamp, header: OffRampSignatureHeader, secret: secret, parse: parseOffRamp}
}

func NewOnRamp(secret string) Rail {
	return &hmacRail{name: RailOnRamp, header: OnRampSignatureHeader, secret: secret, parse: parseOnRamp}
}

func (r *hmacRail) Name() string { return r.name }

func (r *hmacRail) Verify(h http.Header, body []byte) (bool, error) {
	if IsPlaceholder(r.secret) {
		return false, nil
	}
	if !ValidSignature(r.secret, h.Get(r.header), body) {
		return false, apperr.New(apperr.KindInvalidSig, "signature mismatch")
	}
	return true, nil
}

func (r *hmacRail) Parse(body []byte) ([]Event, error) {
	return r.parse(body)
}

// ValidSignature compares the hex HMAC-SHA256 of body with got, ignoring case
// and an optional "sha256=" prefix.
func ValidSignature(secret, got string, body []byte) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	got = strings.TrimPrefix(got, "sha256=")
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

type indexerRail struct {
	token string
}

// NewIndexer authenticates deliveries by a shared Authorization token.
func NewIndexer(token string) Rail {
	return &indexerRail{token: token}
}

func (r *indexerRail) Name() string { return RailIndexer }

func (r *indexerRail) Verify(h http.Header, _ []byte) (bool, error) {
	if IsPlaceholder(r.token) {
		return false, nil
	}
	got := strings.TrimSpace(h.Get(IndexerAuthHeader))
	got = strings.TrimPrefix(got, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
		return false, apperr.New(apperr.KindInvalidSig, "authorization token mismatch")
	}
	return true, nil
}

func (r *indexerRail) Parse(body []byte) ([]Event, error) {
	return parseIndexer(body)
}
