// Package notify turns ledger status transitions into user notifications.
// Rails hand the dispatcher one normalized Event; sinks decide how it is
// rendered and delivered.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Event is the rail-independent notification payload.
type Event struct {
	Type            string          `json:"type"`
	ID              string          `json:"id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	RecipientUserID string          `json:"recipientUserId"`
	TxHash          string          `json:"txHash,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// Sink delivers events to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher fans an event out to every sink.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Dispatch sends ev to all sinks. Failures are logged and joined in the
// returned error; one failing sink does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Send(ctx, ev); err != nil {
			d.logger.Error("notification delivery failed",
				"sink", s.Name(), "type", ev.Type, "id", ev.ID, "user_id", ev.RecipientUserID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.logger.Info("notification delivered", "sink", s.Name(), "type", ev.Type, "id", ev.ID, "status", ev.Status)
	}
	return errors.Join(errs...)
}

// Message renders ev as one human-readable line.
func Message(ev Event) string {
	amount := ev.Amount.StringFixed(2) + " " + strings.ToUpper(ev.Currency)
	label := typeLabel(ev.Type)

	var msg string
	switch ev.Status {
	case "completed":
		msg = fmt.Sprintf("✅ Your %s of %s is complete.", label, amount)
	case "failed":
		msg = fmt.Sprintf("❌ Your %s of %s failed.", label, amount)
	case "processing":
		msg = fmt.Sprintf("⏳ Your %s of %s is being processed.", label, amount)
	case "paid":
		msg = fmt.Sprintf("💸 You received %s for your %s.", amount, label)
	default:
		msg = fmt.Sprintf("Your %s of %s is %s.", label, amount, ev.Status)
	}
	if ev.Detail != "" {
		msg += " " + ev.Detail
	}
	if ev.TxHash != "" {
		msg += " Tx: " + ev.TxHash
	}
	return msg
}

func typeLabel(t string) string {
	switch t {
	case "offramp":
		return "withdrawal to bank"
	case "onramp":
		return "crypto purchase"
	case "invoice_payment":
		return "invoice"
	case "payment_link":
		return "payment link"
	case "direct_transfer":
		return "transfer"
	}
	return "transaction"
}
