// Package webhook reconciles settlement-rail deliveries into the ledger.
// Each rail verifies and parses its own payload into an Event; the Engine
// applies the shared status rules and notifies users once per transition.
package webhook

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/shopspring/decimal"
)

// Event is one parsed delivery: *OffRampEvent, *OnRampEvent or *IndexerEvent.
type Event interface {
	Rail() string
	ExternalID() string
	RawStatus() string
}

// orderEvent is implemented by rails that report the status of an order the
// ledger already holds.
type orderEvent interface {
	Event
	update() orderUpdate
}

type orderUpdate struct {
	rail       string
	kind       storage.Kind
	externalID string
	status     storage.Status
	txHash     string
	errMessage string
	detail     string
}

// OffRampEvent is a crypto-to-fiat payout status change.
type OffRampEvent struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		ID                   string          `json:"id"`
		Status               string          `json:"status"`
		Amount               decimal.Decimal `json:"amount"`
		Currency             string          `json:"currency"`
		TransactionReference string          `json:"transactionReference"`
		CreatedAt            string          `json:"createdAt"`
		UpdatedAt            string          `json:"updatedAt"`
	} `json:"data"`
}

func (e *OffRampEvent) Rail() string       { return RailOffRamp }
func (e *OffRampEvent) ExternalID() string { return e.Data.ID }
func (e *OffRampEvent) RawStatus() string  { return e.Data.Status }

func (e *OffRampEvent) update() orderUpdate {
	u := orderUpdate{
		rail:       RailOffRamp,
		kind:       storage.KindOffRamp,
		externalID: e.Data.ID,
		status:     MapStatus(RailOffRamp, e.Data.Status),
	}
	if e.Data.TransactionReference != "" {
		u.detail = "Reference: " + e.Data.TransactionReference + "."
	}
	if u.status == storage.StatusFailed {
		u.errMessage = "payout " + strings.ToLower(e.Data.Status)
		if e.Event != "" {
			u.errMessage += " (" + e.Event + ")"
		}
	}
	return u
}

// OnRampEvent is a fiat-to-crypto purchase status change.
type OnRampEvent struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		TransactionID string          `json:"transaction_id"`
		Status        string          `json:"status"`
		Amount        decimal.Decimal `json:"amount"`
		Token         string          `json:"token"`
		Chain         string          `json:"chain"`
		FiatAmount    decimal.Decimal `json:"fiat_amount"`
		FiatCurrency  string          `json:"fiat_currency"`
		TxHash        string          `json:"tx_hash,omitempty"`
		WalletAddress string          `json:"wallet_address"`
		ErrorMessage  string          `json:"error_message,omitempty"`
	} `json:"data"`
}

func (e *OnRampEvent) Rail() string       { return RailOnRamp }
func (e *OnRampEvent) ExternalID() string { return e.Data.TransactionID }
func (e *OnRampEvent) RawStatus() string  { return e.Data.Status }

func (e *OnRampEvent) update() orderUpdate {
	u := orderUpdate{
		rail:       RailOnRamp,
		kind:       storage.KindOnRamp,
		externalID: e.Data.TransactionID,
		status:     MapStatus(RailOnRamp, e.Data.Status),
		txHash:     e.Data.TxHash,
		errMessage: e.Data.ErrorMessage,
	}
	if e.Data.FiatCurrency != "" && !e.Data.FiatAmount.IsZero() {
		u.detail = "Paid " + e.Data.FiatAmount.StringFixed(2) + " " + strings.ToUpper(e.Data.FiatCurrency) + "."
	}
	return u
}

// Transfer is one value movement inside an indexed transaction. Mint is
// empty for the chain's native currency.
type Transfer struct {
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Amount      decimal.Decimal `json:"amount"`
	Mint        string          `json:"mint,omitempty"`
}

// IndexerEvent is one on-chain transaction reported by the indexer.
type IndexerEvent struct {
	Signature       string     `json:"signature"`
	Memo            string     `json:"memo,omitempty"`
	NativeTransfers []Transfer `json:"nativeTransfers"`
	TokenTransfers  []Transfer `json:"tokenTransfers"`
}

func (e *IndexerEvent) Rail() string       { return RailIndexer }
func (e *IndexerEvent) ExternalID() string { return e.Signature }
func (e *IndexerEvent) RawStatus() string  { return "confirmed" }

// Transfers lists native transfers first, then token transfers. A transfer's
// position in this list is its index in the payment's order id.
func (e *IndexerEvent) Transfers() []Transfer {
	out := make([]Transfer, 0, len(e.NativeTransfers)+len(e.TokenTransfers))
	out = append(out, e.NativeTransfers...)
	return append(out, e.TokenTransfers...)
}

func parseOffRamp(body []byte) ([]Event, error) {
	var ev OffRampEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidPayload, err)
	}
	if ev.Data.ID == "" || ev.Data.Status == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "data.id and data.status are required")
	}
	return []Event{&ev}, nil
}

func parseOnRamp(body []byte) ([]Event, error) {
	var ev OnRampEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidPayload, err)
	}
	if ev.Data.TransactionID == "" || ev.Data.Status == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "data.transaction_id and data.status are required")
	}
	return []Event{&ev}, nil
}

// parseIndexer accepts a JSON array of transactions or a single object.
func parseIndexer(body []byte) ([]Event, error) {
	var txs []*IndexerEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one IndexerEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidPayload, err)
		}
		txs = append(txs, &one)
	} else if err := json.Unmarshal(trimmed, &txs); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidPayload, err)
	}

	events := make([]Event, 0, len(txs))
	for _, tx := range txs {
		if tx == nil || tx.Signature == "" {
			return nil, apperr.New(apperr.KindInvalidPayload, "signature is required")
		}
		events = append(events, tx)
	}
	if len(events) == 0 {
		return nil, apperr.New(apperr.KindInvalidPayload, "no transactions in payload")
	}
	return events, nil
}
