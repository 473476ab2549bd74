package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/notify"
	"github.com/NgigiN/stablelink/internal/retry"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the part of the ledger the engine reads and writes.
type Store interface {
	TransactionByProviderOrder(ctx context.Context, provider, orderID string) (*storage.Transaction, error)
	TransactionByTxHash(ctx context.Context, hash string) (*storage.Transaction, error)
	CompareAndSetStatus(ctx context.Context, id uint, expected storage.Status, update storage.StatusUpdate) (bool, error)
	WalletByAddress(ctx context.Context, address string) (*storage.Wallet, error)
	OpenRequests(ctx context.Context, userID, currency string) ([]storage.Invoice, []storage.PaymentLink, error)
	InvoiceByPublicID(ctx context.Context, publicID string) (*storage.Invoice, error)
	PaymentLinkByPublicID(ctx context.Context, publicID string) (*storage.PaymentLink, error)
	SettleRequest(ctx context.Context, kind storage.Kind, requestID uint, payment *storage.Transaction) (bool, error)
	RecordWebhookEvent(ctx context.Context, ev *storage.WebhookEvent) error
}

// Notifier receives one event per user-visible transition.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event) error
}

// Outcome summarises what a delivery did to the ledger.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomePaid      Outcome = "paid"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeUnmatched Outcome = "unmatched"
)

// Result is returned to the rail for a processed delivery.
type Result struct {
	Rail     string   `json:"rail"`
	Verified bool     `json:"verified"`
	Outcomes []string `json:"outcomes"`
}

// DefaultTolerance is the relative amount difference accepted when matching
// an indexed transfer to an open payment request.
var DefaultTolerance = decimal.NewFromFloat(0.05)

type Engine struct {
	store     Store
	notifier  Notifier
	retrier   *retry.Retrier
	policy    retry.Policy
	tolerance decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(store Store, notifier Notifier, retrier *retry.Retrier, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		retrier:   retrier,
		policy:    retry.Profile(retry.ProfileDatabase),
		tolerance: DefaultTolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for ledger timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Process handles one raw delivery for rail: authenticity first, then
// parsing, then reconciliation of every event in the body.
func (e *Engine) Process(ctx context.Context, rail Rail, h http.Header, body []byte) (*Result, error) {
	verified, err := rail.Verify(h, body)
	if err != nil {
		e.logger.Warn("webhook rejected", "rail", rail.Name(), "error", err)
		return nil, err
	}
	if !verified {
		e.logger.Warn("webhook signature verification skipped, no secret configured", "rail", rail.Name())
	}

	events, err := rail.Parse(body)
	if err != nil {
		e.logger.Warn("webhook payload invalid", "rail", rail.Name(), "error", err)
		return nil, err
	}

	digest := sha256.Sum256(body)
	res := &Result{Rail: rail.Name(), Verified: verified}
	for _, ev := range events {
		outcome, err := e.Apply(ctx, ev)
		if err != nil {
			return nil, err
		}
		res.Outcomes = append(res.Outcomes, string(outcome))
		e.record(ctx, ev, hex.EncodeToString(digest[:]), outcome)
	}
	return res, nil
}

// Apply reconciles one parsed event.
func (e *Engine) Apply(ctx context.Context, ev Event) (Outcome, error) {
	switch ev := ev.(type) {
	case *IndexerEvent:
		return e.applyIndexer(ctx, ev)
	case orderEvent:
		return e.applyOrder(ctx, ev.update())
	}
	return "", apperr.Newf(apperr.KindInvalidPayload, "unsupported event %T", ev)
}

// applyOrder moves an existing ledger row forward. The write is conditional
// on the status that was read; losing that race re-reads under the database
// retry profile.
func (e *Engine) applyOrder(ctx context.Context, u orderUpdate) (Outcome, error) {
	type applied struct {
		tx      *storage.Transaction
		changed bool
	}
	res, err := retry.Do(ctx, e.retrier, e.policy, func(ctx context.Context) (applied, error) {
		tx, err := e.store.TransactionByProviderOrder(ctx, u.rail, u.externalID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return applied{}, apperr.Newf(apperr.KindNotFound, "%s order %s not found", u.rail, u.externalID)
			}
			return applied{}, err
		}
		next, apply, changed := storage.Transition(tx.Status, u.status)
		if !apply {
			return applied{tx: tx}, nil
		}
		ok, err := e.store.CompareAndSetStatus(ctx, tx.ID, tx.Status, storage.StatusUpdate{
			Status:       next,
			TxHash:       u.txHash,
			ErrorMessage: u.errMessage,
			At:           e.now(),
		})
		if err != nil {
			return applied{}, err
		}
		if !ok {
			return applied{}, apperr.Newf(apperr.KindConflict, "transaction %d changed while applying %s", tx.ID, next)
		}
		tx.Status = next
		if u.txHash != "" {
			tx.TxHash = &u.txHash
		}
		return applied{tx: tx, changed: changed}, nil
	})
	if err != nil {
		return "", err
	}

	if !res.changed {
		e.logger.Info("webhook left transaction unchanged",
			"rail", u.rail, "order_id", u.externalID, "status", res.tx.Status, "incoming", u.status)
		return OutcomeUnchanged, nil
	}
	e.logger.Info("transaction status updated",
		"rail", u.rail, "order_id", u.externalID, "transaction_id", res.tx.ID, "status", res.tx.Status)

	if notifyOn[u.rail][res.tx.Status] {
		ev := notify.Event{
			Type:            string(res.tx.Kind),
			ID:              u.externalID,
			Amount:          res.tx.Amount,
			Currency:        res.tx.Currency,
			Status:          string(res.tx.Status),
			RecipientUserID: res.tx.UserID,
			Detail:          u.detail,
		}
		if res.tx.TxHash != nil {
			ev.TxHash = *res.tx.TxHash
		}
		e.notify(ctx, ev)
	}
	return OutcomeUpdated, nil
}

// notify never fails the delivery; the ledger write has already happened.
func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Dispatch(ctx, ev); err != nil {
		e.logger.Error("notification failed after ledger update",
			"type", ev.Type, "id", ev.ID, "status", ev.Status, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, ev Event, digest string, outcome Outcome) {
	rec := &storage.WebhookEvent{
		ID:            uuid.NewString(),
		Rail:          ev.Rail(),
		ExternalID:    ev.ExternalID(),
		Status:        ev.RawStatus(),
		PayloadDigest: digest,
		Outcome:       string(outcome),
		ReceivedAt:    e.now(),
	}
	if err := e.store.RecordWebhookEvent(ctx, rec); err != nil {
		e.logger.Error("failed to record webhook event", "rail", rec.Rail, "external_id", rec.ExternalID, "error", err)
	}
}
