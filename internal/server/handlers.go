package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/NgigiN/stablelink/internal/api"
	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/custody"
	"github.com/NgigiN/stablelink/internal/safety"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/NgigiN/stablelink/internal/wallet"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const maxRequestBytes = 1 << 20

// Ledger is the read side the API needs.
type Ledger interface {
	WalletByProviderID(ctx context.Context, providerWalletID string) (*storage.Wallet, error)
	TransactionByID(ctx context.Context, id uint) (*storage.Transaction, error)
}

// APIHandlers serves the authenticated wallet and ledger routes.
type APIHandlers struct {
	gateway *wallet.Gateway
	guard   *safety.Guard
	ledger  Ledger
	logger  *slog.Logger
}

func NewAPIHandlers(gateway *wallet.Gateway, guard *safety.Guard, ledger Ledger, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{gateway: gateway, guard: guard, ledger: ledger, logger: logger}
}

func (h *APIHandlers) routes(r *mux.Router) {
	w := r.PathPrefix("/wallets/{walletId}").Subrouter()
	w.HandleFunc("/send-transaction", walletOp(h, "send_transaction", h.gateway.SendTransaction)).Methods(http.MethodPost)
	w.HandleFunc("/sign-transaction", walletOp(h, "sign_transaction", h.gateway.SignTransaction)).Methods(http.MethodPost)
	w.HandleFunc("/sign-message", walletOp(h, "sign_message", h.gateway.SignMessage)).Methods(http.MethodPost)
	w.HandleFunc("/sign-typed-data", walletOp(h, "sign_typed_data", h.gateway.SignTypedData)).Methods(http.MethodPost)
	w.HandleFunc("/sign-raw-hash", walletOp(h, "sign_raw_hash", h.gateway.SignRawHash)).Methods(http.MethodPost)
	w.HandleFunc("/sign-7702-authorization", walletOp(h, "sign_7702_authorization", h.gateway.Sign7702Authorization)).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id:[0-9]+}", h.handleTransaction).Methods(http.MethodGet)
}

// walletOp decodes Req, checks the caller owns the wallet, and runs call under
// the safety guard. Every provider request of one API call shares one
// idempotency key, taken from the Idempotency-Key header when present.
func walletOp[Req any](h *APIHandlers, op string, call func(context.Context, string, Req) (wallet.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())
		userID := userFrom(r.Context())
		walletID := mux.Vars(r)["walletId"]

		var req Req
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			api.WriteAppError(w, apperr.New(apperr.KindInvalidPayload, "request body must be valid JSON"), false, requestID)
			return
		}

		if err := h.authorizeWallet(r.Context(), userID, walletID); err != nil {
			api.WriteAppError(w, err, false, requestID)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = uuid.NewString()
		}
		ctx := custody.WithIdempotencyKey(r.Context(), key)

		res, err := safety.Do(ctx, h.guard, userID, op, func(ctx context.Context) (wallet.Result, error) {
			return call(ctx, walletID, req)
		})
		if err != nil {
			h.logger.Warn("wallet operation failed",
				"operation", op, "wallet_id", walletID, "kind", apperr.KindOf(err), "request_id", requestID, "error", err)
			api.WriteAppError(w, err, true, requestID)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}

// authorizeWallet hides wallets the caller does not own behind NotFound.
func (h *APIHandlers) authorizeWallet(ctx context.Context, userID, walletID string) error {
	wal, err := h.ledger.WalletByProviderID(ctx, walletID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil || wal.UserID != userID {
		return apperr.Newf(apperr.KindNotFound, "wallet %s not found", walletID)
	}
	return nil
}

type transactionView struct {
	ID              uint            `json:"id"`
	Kind            storage.Kind    `json:"kind"`
	Provider        string          `json:"provider"`
	ProviderOrderID string          `json:"provider_order_id"`
	Status          storage.Status  `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Chain           string          `json:"chain,omitempty"`
	TxHash          *string         `json:"tx_hash,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (h *APIHandlers) handleTransaction(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		api.WriteAppError(w, apperr.New(apperr.KindInvalidPayload, "invalid transaction id"), false, requestID)
		return
	}

	tx, err := h.ledger.TransactionByID(r.Context(), uint(id))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("transaction lookup failed", "id", id, "error", err)
		api.WriteAppError(w, err, false, requestID)
		return
	}
	if err != nil || tx.UserID != userFrom(r.Context()) {
		api.WriteAppError(w, apperr.Newf(apperr.KindNotFound, "transaction %d not found", id), false, requestID)
		return
	}

	api.WriteJSON(w, http.StatusOK, transactionView{
		ID:              tx.ID,
		Kind:            tx.Kind,
		Provider:        tx.Provider,
		ProviderOrderID: tx.ProviderOrderID,
		Status:          tx.Status,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Chain:           tx.Chain,
		TxHash:          tx.TxHash,
		ErrorMessage:    tx.ErrorMessage,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	})
}
