package webhook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/notify"
	"github.com/NgigiN/stablelink/internal/retry"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// splTokens maps Solana mints to the currency codes requests are priced in.
var splTokens = map[solana.PublicKey]string{
	solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"): "USDC",
	solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"): "USDT",
	solana.MustPublicKeyFromBase58("2b1kV6DkPAnxd5ixfnxCpjxmKwqjjaYmCZfHsFu24GXo"): "PYUSD",
	solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"): "USDC", // devnet
}

// erc20Tokens maps lowercased token contracts to currency codes.
var erc20Tokens = map[string]string{
	"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913": "USDC", // base
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "USDC", // ethereum
	"0x3c499c542cef5e3811e1192ce70d8cc03d5c3359": "USDC", // polygon
	"0xaf88d065e77c8cc2239327c5edb3a432268e5831": "USDC", // arbitrum
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "USDT", // ethereum
	"0xceba9300f2b948710d2653dd7b07f33a8b32118c": "USDC", // celo
}

var nativeCurrencies = map[string]string{
	"solana":  "SOL",
	"polygon": "POL",
	"celo":    "CELO",
}

var memoReference = regexp.MustCompile(`\b(?:inv|link)_[A-Za-z0-9]+`)

type candidate struct {
	kind     storage.Kind
	id       uint
	publicID string
	amount   decimal.Decimal
}

func (e *Engine) applyIndexer(ctx context.Context, ev *IndexerEvent) (Outcome, error) {
	outcome := OutcomeUnmatched
	confirmed, err := e.confirmDirect(ctx, ev.Signature)
	if err != nil {
		return "", err
	}
	if confirmed {
		outcome = OutcomeConfirmed
	}

	ref := memoReference.FindString(ev.Memo)
	for i, t := range ev.Transfers() {
		paid, err := e.settleTransfer(ctx, ev.Signature, i, t, ref)
		if err != nil {
			return "", err
		}
		if paid {
			outcome = OutcomePaid
		}
	}
	return outcome, nil
}

// confirmDirect completes a direct transfer the gateway broadcast earlier.
func (e *Engine) confirmDirect(ctx context.Context, signature string) (bool, error) {
	var tx *storage.Transaction
	changed, err := retry.Do(ctx, e.retrier, e.policy, func(ctx context.Context) (bool, error) {
		var err error
		tx, err = e.store.TransactionByTxHash(ctx, signature)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if tx.Kind != storage.KindDirectTransfer {
			return false, nil
		}
		next, apply, changed := storage.Transition(tx.Status, storage.StatusCompleted)
		if !apply {
			return false, nil
		}
		ok, err := e.store.CompareAndSetStatus(ctx, tx.ID, tx.Status, storage.StatusUpdate{Status: next, At: e.now()})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, apperr.Newf(apperr.KindConflict, "transaction %d changed while confirming", tx.ID)
		}
		tx.Status = next
		return changed, nil
	})
	if err != nil || !changed {
		return false, err
	}

	e.logger.Info("direct transfer confirmed on chain", "transaction_id", tx.ID, "signature", signature)
	e.notify(ctx, notify.Event{
		Type:            string(tx.Kind),
		ID:              tx.ProviderOrderID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Status:          string(storage.StatusCompleted),
		RecipientUserID: tx.UserID,
		TxHash:          signature,
	})
	return true, nil
}

// settleTransfer marks the open request a transfer pays, if any. Transfers
// that match nothing are logged and leave the ledger untouched.
func (e *Engine) settleTransfer(ctx context.Context, signature string, index int, t Transfer, ref string) (bool, error) {
	log := e.logger.With("signature", signature, "index", index, "to", t.ToAddress, "amount", t.Amount.String())

	if !validAddress(t.ToAddress) {
		log.Warn("skipping transfer with invalid recipient address")
		return false, nil
	}
	if !t.Amount.IsPositive() {
		return false, nil
	}

	orderID := fmt.Sprintf("%s:%d", signature, index)
	if _, err := e.store.TransactionByProviderOrder(ctx, RailIndexer, orderID); err == nil {
		log.Debug("transfer already settled")
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	w, err := e.store.WalletByAddress(ctx, t.ToAddress)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("transfer recipient is not a known wallet")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	currency := transferCurrency(t, w.Chain)
	c, err := e.findRequest(ctx, w, t, currency, ref)
	if err != nil {
		return false, err
	}
	if c == nil {
		log.Info("transfer did not match any open payment request", "user_id", w.UserID, "currency", currency)
		return false, nil
	}

	sig := signature
	payment := &storage.Transaction{
		Kind:            c.kind,
		Provider:        RailIndexer,
		ProviderOrderID: orderID,
		Status:          storage.StatusCompleted,
		Amount:          t.Amount,
		Currency:        currency,
		Chain:           w.Chain,
		TxHash:          &sig,
		UserID:          w.UserID,
	}
	payment.UpdatedAt = e.now()
	settled, err := retry.Do(ctx, e.retrier, e.policy, func(ctx context.Context) (bool, error) {
		return e.store.SettleRequest(ctx, c.kind, c.id, payment)
	})
	if err != nil {
		return false, err
	}
	if !settled {
		log.Info("payment request was already settled", "public_id", c.publicID)
		return false, nil
	}

	log.Info("payment request settled", "kind", c.kind, "public_id", c.publicID, "expected", c.amount.String())
	e.notify(ctx, notify.Event{
		Type:            string(c.kind),
		ID:              c.publicID,
		Amount:          t.Amount,
		Currency:        currency,
		Status:          string(storage.RequestPaid),
		RecipientUserID: w.UserID,
		TxHash:          signature,
	})
	return true, nil
}

// findRequest prefers the request named in the memo. Without a usable
// reference it picks the open request closest in amount, within tolerance.
func (e *Engine) findRequest(ctx context.Context, w *storage.Wallet, t Transfer, currency, ref string) (*candidate, error) {
	to := storage.NormalizeAddress(t.ToAddress)
	eligible := func(req storage.PaymentRequest) bool {
		if req.Status != storage.RequestOpen || req.UserID != w.UserID {
			return false
		}
		if !strings.EqualFold(req.Currency, currency) {
			return false
		}
		if req.RecipientAddress != "" && req.RecipientAddress != to {
			return false
		}
		return e.withinTolerance(t.Amount, req.Amount)
	}

	if ref != "" {
		c, err := e.referenced(ctx, ref, eligible)
		if err != nil || c != nil {
			return c, err
		}
		e.logger.Info("memo reference does not fit transfer, falling back to amount matching", "reference", ref)
	}

	invoices, links, err := e.store.OpenRequests(ctx, w.UserID, currency)
	if err != nil {
		return nil, err
	}
	var best *candidate
	var bestDiff decimal.Decimal
	consider := func(kind storage.Kind, id uint, req storage.PaymentRequest) {
		if !eligible(req) {
			return
		}
		diff := t.Amount.Sub(req.Amount).Abs()
		if best == nil || diff.LessThan(bestDiff) {
			best = &candidate{kind: kind, id: id, publicID: req.PublicID, amount: req.Amount}
			bestDiff = diff
		}
	}
	for _, inv := range invoices {
		consider(storage.KindInvoicePayment, inv.ID, inv.PaymentRequest)
	}
	for _, link := range links {
		consider(storage.KindPaymentLink, link.ID, link.PaymentRequest)
	}
	return best, nil
}

func (e *Engine) referenced(ctx context.Context, ref string, eligible func(storage.PaymentRequest) bool) (*candidate, error) {
	var c *candidate
	var err error
	switch {
	case strings.HasPrefix(ref, storage.InvoicePrefix):
		var inv *storage.Invoice
		if inv, err = e.store.InvoiceByPublicID(ctx, ref); err == nil && eligible(inv.PaymentRequest) {
			c = &candidate{kind: storage.KindInvoicePayment, id: inv.ID, publicID: inv.PublicID, amount: inv.Amount}
		}
	case strings.HasPrefix(ref, storage.PaymentLinkPrefix):
		var link *storage.PaymentLink
		if link, err = e.store.PaymentLinkByPublicID(ctx, ref); err == nil && eligible(link.PaymentRequest) {
			c = &candidate{kind: storage.KindPaymentLink, id: link.ID, publicID: link.PublicID, amount: link.Amount}
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	return c, err
}

func (e *Engine) withinTolerance(paid, expected decimal.Decimal) bool {
	if !expected.IsPositive() {
		return false
	}
	return paid.Sub(expected).Abs().LessThanOrEqual(expected.Mul(e.tolerance))
}

// WithTolerance sets the relative amount tolerance for request matching.
func (e *Engine) WithTolerance(t decimal.Decimal) *Engine {
	e.tolerance = t
	return e
}

func validAddress(address string) bool {
	if strings.HasPrefix(address, "0x") {
		return common.IsHexAddress(address)
	}
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

func transferCurrency(t Transfer, chain string) string {
	if t.Mint == "" {
		if c, ok := nativeCurrencies[chain]; ok {
			return c
		}
		return "ETH"
	}
	if strings.HasPrefix(t.Mint, "0x") {
		if c, ok := erc20Tokens[strings.ToLower(t.Mint)]; ok {
			return c
		}
		return strings.ToLower(t.Mint)
	}
	if mint, err := solana.PublicKeyFromBase58(t.Mint); err == nil {
		if c, ok := splTokens[mint]; ok {
			return c
		}
	}
	return t.Mint
}
