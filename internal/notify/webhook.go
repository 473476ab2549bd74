package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/breaker"
	"github.com/NgigiN/stablelink/internal/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the outbound body.
const SignatureHeader = "X-Stablelink-Signature"

// WebhookSink POSTs events as JSON to a downstream notifier.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *breaker.Breaker
	retrier *retry.Retrier
	policy  retry.Policy
}

func NewWebhookSink(url, secret string, b *breaker.Breaker, r *retry.Retrier) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: b,
		retrier: r,
		policy:  retry.Profile(retry.ProfileAPI),
	}
}

// WithClient swaps the HTTP client.
func (s *WebhookSink) WithClient(c *http.Client) *WebhookSink {
	s.client = c
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = retry.Do(ctx, s.retrier, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.post(ctx, body)
		})
	})
	return err
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "notifier returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return apperr.Newf(apperr.KindNetwork, "notifier returned %d", resp.StatusCode)
	}
	return apperr.Newf(apperr.KindRejected, "notifier returned %d", resp.StatusCode)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
