// Package wallet signs and sends transactions through the external custody
// provider, recovering from expired authorization sessions on the way.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/breaker"
	"github.com/NgigiN/stablelink/internal/retry"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MaxRetries bounds session recoveries per call; a call makes at most
	// MaxRetries+1 provider attempts.
	MaxRetries = 2
	// DefaultRecoveryGrace is the pause after a recovery before retrying.
	DefaultRecoveryGrace = time.Second
)

// TransactionRequest is an EVM transaction to sign or send.
type TransactionRequest struct {
	Chain    string          `json:"chain"`
	To       string          `json:"to"`
	Value    string          `json:"value,omitempty"`
	Data     string          `json:"data,omitempty"`
	GasLimit uint64          `json:"gasLimit,omitempty"`
	Nonce    *uint64         `json:"nonce,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type MessageRequest struct {
	Chain    string `json:"chain"`
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

type TypedDataRequest struct {
	Chain     string          `json:"chain"`
	TypedData json.RawMessage `json:"typedData"`
}

type RawHashRequest struct {
	Chain string `json:"chain"`
	Hash  string `json:"hash"`
}

// AuthorizationRequest asks for an EIP-7702 delegation signature.
type AuthorizationRequest struct {
	Chain    string  `json:"chain"`
	Contract string  `json:"contract"`
	Nonce    *uint64 `json:"nonce,omitempty"`
}

// Result is what the provider returns: a hash for sends, a signature otherwise.
type Result struct {
	Hash      string `json:"hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Explorer  string `json:"explorer,omitempty"`
}

// Custodian is the external key-management provider.
type Custodian interface {
	SendTransaction(ctx context.Context, walletID string, chain Chain, req TransactionRequest) (Result, error)
	SignTransaction(ctx context.Context, walletID string, chain Chain, req TransactionRequest) (Result, error)
	SignMessage(ctx context.Context, walletID string, chain Chain, req MessageRequest) (Result, error)
	SignTypedData(ctx context.Context, walletID string, chain Chain, req TypedDataRequest) (Result, error)
	SignRawHash(ctx context.Context, walletID string, chain Chain, hash common.Hash) (Result, error)
	Sign7702Authorization(ctx context.Context, walletID string, chain Chain, req AuthorizationRequest) (Result, error)
}

// SessionRecoverer refreshes an expired authorization session.
type SessionRecoverer interface {
	RecoverSession(ctx context.Context, walletID, address string) error
}

// Ledger is what the gateway needs from storage.
type Ledger interface {
	WalletByProviderID(ctx context.Context, providerWalletID string) (*storage.Wallet, error)
	SaveTransaction(ctx context.Context, tx *storage.Transaction) error
}

type Gateway struct {
	custodian Custodian
	recoverer SessionRecoverer
	ledger    Ledger
	breaker   *breaker.Breaker
	logger    *slog.Logger
	grace     time.Duration
	sleep     func(context.Context, time.Duration) error
}

func NewGateway(c Custodian, r SessionRecoverer, ledger Ledger, b *breaker.Breaker, logger *slog.Logger) *Gateway {
	return &Gateway{
		custodian: c,
		recoverer: r,
		ledger:    ledger,
		breaker:   b,
		logger:    logger,
		grace:     DefaultRecoveryGrace,
		sleep:     retry.Sleep,
	}
}

// WithGrace sets the pause between a session recovery and the next attempt.
func (g *Gateway) WithGrace(d time.Duration) *Gateway {
	g.grace = d
	return g
}

// WithSleeper swaps the sleep function used for the grace pause.
func (g *Gateway) WithSleeper(sleep func(context.Context, time.Duration) error) *Gateway {
	g.sleep = sleep
	return g
}

// SendTransaction broadcasts req and records it in the ledger as a direct
// transfer. A recording failure is logged; the broadcast result still stands.
func (g *Gateway) SendTransaction(ctx context.Context, walletID string, req TransactionRequest) (Result, error) {
	chain, err := g.prepareTransaction(&req)
	if err != nil {
		return Result{}, err
	}
	res, err := g.run(ctx, "send_transaction", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.SendTransaction(ctx, walletID, chain, req)
	})
	if err != nil {
		return Result{}, err
	}
	if res.Hash != "" {
		res.Explorer = chain.TxURL(res.Hash)
	}
	g.record(ctx, walletID, chain, req, res)
	return res, nil
}

func (g *Gateway) SignTransaction(ctx context.Context, walletID string, req TransactionRequest) (Result, error) {
	chain, err := g.prepareTransaction(&req)
	if err != nil {
		return Result{}, err
	}
	return g.run(ctx, "sign_transaction", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.SignTransaction(ctx, walletID, chain, req)
	})
}

func (g *Gateway) SignMessage(ctx context.Context, walletID string, req MessageRequest) (Result, error) {
	chain, err := LookupChain(req.Chain)
	if err != nil {
		return Result{}, err
	}
	if req.Message == "" {
		return Result{}, apperr.New(apperr.KindInvalidPayload, "message is required")
	}
	if req.Encoding == "" {
		req.Encoding = "utf-8"
	}
	return g.run(ctx, "sign_message", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.SignMessage(ctx, walletID, chain, req)
	})
}

func (g *Gateway) SignTypedData(ctx context.Context, walletID string, req TypedDataRequest) (Result, error) {
	chain, err := LookupChain(req.Chain)
	if err != nil {
		return Result{}, err
	}
	if !json.Valid(req.TypedData) {
		return Result{}, apperr.New(apperr.KindInvalidPayload, "typed data must be a JSON object")
	}
	return g.run(ctx, "sign_typed_data", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.SignTypedData(ctx, walletID, chain, req)
	})
}

func (g *Gateway) SignRawHash(ctx context.Context, walletID string, req RawHashRequest) (Result, error) {
	chain, err := LookupChain(req.Chain)
	if err != nil {
		return Result{}, err
	}
	raw, err := hexutil.Decode(req.Hash)
	if err != nil || len(raw) != common.HashLength {
		return Result{}, apperr.New(apperr.KindInvalidPayload, "hash must be 32 bytes of 0x-prefixed hex")
	}
	hash := common.BytesToHash(raw)
	return g.run(ctx, "sign_raw_hash", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.SignRawHash(ctx, walletID, chain, hash)
	})
}

func (g *Gateway) Sign7702Authorization(ctx context.Context, walletID string, req AuthorizationRequest) (Result, error) {
	chain, err := LookupChain(req.Chain)
	if err != nil {
		return Result{}, err
	}
	if !chain.EVM() {
		return Result{}, apperr.Newf(apperr.KindUnsupported, "%s does not support EIP-7702", chain.Name)
	}
	if !common.IsHexAddress(req.Contract) {
		return Result{}, apperr.New(apperr.KindInvalidPayload, "contract must be a hex address")
	}
	req.Contract = common.HexToAddress(req.Contract).Hex()
	return g.run(ctx, "sign_7702_authorization", walletID, func(ctx context.Context) (Result, error) {
		return g.custodian.Sign7702Authorization(ctx, walletID, chain, req)
	})
}

func (g *Gateway) prepareTransaction(req *TransactionRequest) (Chain, error) {
	chain, err := LookupChain(req.Chain)
	if err != nil {
		return Chain{}, err
	}
	if chain.EVM() {
		if !common.IsHexAddress(req.To) {
			return Chain{}, apperr.New(apperr.KindInvalidPayload, "recipient must be a hex address")
		}
		req.To = common.HexToAddress(req.To).Hex()
		if req.Value != "" {
			if _, err := hexutil.DecodeBig(req.Value); err != nil {
				return Chain{}, apperr.New(apperr.KindInvalidPayload, "value must be 0x-prefixed hex wei")
			}
		}
	} else if req.To == "" {
		return Chain{}, apperr.New(apperr.KindInvalidPayload, "recipient is required")
	}
	return chain, nil
}

// run executes one logical call: attempt(0), recovering and retrying on
// session expiry until MaxRetries recoveries have been made.
func (g *Gateway) run(ctx context.Context, op, walletID string, call func(context.Context) (Result, error)) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := g.invoke(ctx, call)
		if err == nil {
			if attempt > 0 {
				g.logger.Info("wallet operation succeeded after session recovery",
					"operation", op, "wallet_id", walletID, "attempt", attempt)
			}
			return res, nil
		}

		if !IsSessionExpired(err) || attempt >= MaxRetries {
			classified := Classify(err)
			g.logger.Warn("wallet operation failed",
				"operation", op, "wallet_id", walletID, "attempt", attempt, "kind", classified.Kind, "error", err)
			return Result{}, classified
		}

		g.logger.Info("wallet session expired, recovering",
			"operation", op, "wallet_id", walletID, "attempt", attempt)
		g.recover(ctx, walletID)
		if err := g.sleep(ctx, g.grace); err != nil {
			return Result{}, apperr.Wrap(apperr.KindTimeout, err)
		}
	}
}

// invoke runs call through the breaker. Only failures that say something
// about the provider's health count against it; a declined or expired
// request is passed back without tripping the breaker.
func (g *Gateway) invoke(ctx context.Context, call func(context.Context) (Result, error)) (Result, error) {
	var res Result
	var callErr error
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		res, callErr = call(ctx)
		if callErr != nil && providerFault(callErr) {
			return callErr
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, callErr
}

func providerFault(err error) bool {
	switch Classify(err).Kind {
	case apperr.KindNetwork, apperr.KindTimeout, apperr.KindRateLimited, apperr.KindUnknown:
		return true
	}
	return false
}

// recover is best effort: failures are logged and the caller retries anyway.
func (g *Gateway) recover(ctx context.Context, walletID string) {
	address := ""
	if w, err := g.ledger.WalletByProviderID(ctx, walletID); err != nil {
		g.logger.Warn("wallet address lookup failed", "wallet_id", walletID, "error", err)
	} else {
		address = w.Address
	}
	if err := g.recoverer.RecoverSession(ctx, walletID, address); err != nil {
		g.logger.Warn("session recovery failed, retrying anyway", "wallet_id", walletID, "error", err)
	}
}

func (g *Gateway) record(ctx context.Context, walletID string, chain Chain, req TransactionRequest, res Result) {
	userID := ""
	if w, err := g.ledger.WalletByProviderID(ctx, walletID); err == nil {
		userID = w.UserID
	}
	currency := req.Currency
	if currency == "" {
		currency = "NATIVE"
	}
	tx := &storage.Transaction{
		Kind:     storage.KindDirectTransfer,
		Provider: "custody",
		Status:   storage.StatusProcessing,
		Amount:   req.Amount,
		Currency: strings.ToUpper(currency),
		Chain:    chain.Key,
		UserID:   userID,
	}
	hash := storage.NormalizeHash(res.Hash)
	if hash != "" {
		tx.ProviderOrderID = fmt.Sprintf("%s:%s", chain.Key, hash)
		tx.TxHash = &hash
	} else {
		// Nothing to reconcile against yet; keep the row unique.
		tx.ProviderOrderID = fmt.Sprintf("%s:unhashed:%s", chain.Key, uuid.NewString())
		g.logger.Warn("provider returned no transaction hash", "wallet_id", walletID, "chain", chain.Key)
	}
	if err := g.ledger.SaveTransaction(ctx, tx); err != nil {
		g.logger.Error("failed to record sent transaction", "wallet_id", walletID, "hash", hash, "error", err)
	}
}
