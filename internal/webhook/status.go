package webhook

import (
	"strings"

	"github.com/NgigiN/stablelink/internal/storage"
)

const (
	RailOffRamp = "offramp"
	RailOnRamp  = "onramp"
	RailIndexer = "indexer"
)

// statusTables map each rail's vocabulary, lowercased, onto ledger statuses.
var statusTables = map[string]map[string]storage.Status{
	RailOffRamp: {
		"initiated":   storage.StatusPending,
		"pending":     storage.StatusPending,
		"created":     storage.StatusPending,
		"processing":  storage.StatusProcessing,
		"in_progress": storage.StatusProcessing,
		"validated":   storage.StatusProcessing,
		"completed":   storage.StatusCompleted,
		"settled":     storage.StatusCompleted,
		"success":     storage.StatusCompleted,
		"failed":      storage.StatusFailed,
		"cancelled":   storage.StatusFailed,
		"expired":     storage.StatusFailed,
		"refunded":    storage.StatusFailed,
	},
	RailOnRamp: {
		"pending":          storage.StatusPending,
		"awaiting_payment": storage.StatusPending,
		"payment_received": storage.StatusProcessing,
		"processing":       storage.StatusProcessing,
		"crypto_sent":      storage.StatusProcessing,
		"completed":        storage.StatusCompleted,
		"success":          storage.StatusCompleted,
		"failed":           storage.StatusFailed,
		"cancelled":        storage.StatusFailed,
		"expired":          storage.StatusFailed,
		"refunded":         storage.StatusFailed,
	},
}

// notifyOn lists, per rail, the statuses users hear about.
var notifyOn = map[string]map[storage.Status]bool{
	RailOffRamp: {storage.StatusCompleted: true, storage.StatusFailed: true},
	RailOnRamp:  {storage.StatusProcessing: true, storage.StatusCompleted: true, storage.StatusFailed: true},
	RailIndexer: {storage.StatusCompleted: true, storage.StatusFailed: true},
}

// MapStatus translates a rail status. Unmapped values become pending so the
// delivery is still recorded.
func MapStatus(rail, raw string) storage.Status {
	if s, ok := statusTables[rail][strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return storage.StatusPending
}
