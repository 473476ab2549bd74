package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/breaker"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var errExpired = errors.New("KeyQuorum user session key is expired")

type fakeCustodian struct {
	errs   []error
	calls  int
	last   TransactionRequest
	result *Result
}

func (f *fakeCustodian) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeCustodian) SendTransaction(_ context.Context, _ string, _ Chain, req TransactionRequest) (Result, error) {
	f.last = req
	if err := f.next(); err != nil {
		return Result{}, err
	}
	if f.result != nil {
		return *f.result, nil
	}
	return Result{Hash: "0xabc"}, nil
}

func (f *fakeCustodian) SignTransaction(_ context.Context, _ string, _ Chain, _ TransactionRequest) (Result, error) {
	if err := f.next(); err != nil {
		return Result{}, err
	}
	return Result{Signature: "0xsigned", Encoding: "rlp"}, nil
}

func (f *fakeCustodian) SignMessage(_ context.Context, _ string, _ Chain, _ MessageRequest) (Result, error) {
	if err := f.next(); err != nil {
		return Result{}, err
	}
	return Result{Signature: "0xsig", Encoding: "hex"}, nil
}

func (f *fakeCustodian) SignTypedData(_ context.Context, _ string, _ Chain, _ TypedDataRequest) (Result, error) {
	if err := f.next(); err != nil {
		return Result{}, err
	}
	return Result{Signature: "0xtyped", Encoding: "hex"}, nil
}

func (f *fakeCustodian) SignRawHash(_ context.Context, _ string, _ Chain, _ common.Hash) (Result, error) {
	if err := f.next(); err != nil {
		return Result{}, err
	}
	return Result{Signature: "0xraw", Encoding: "hex"}, nil
}

func (f *fakeCustodian) Sign7702Authorization(_ context.Context, _ string, _ Chain, _ AuthorizationRequest) (Result, error) {
	if err := f.next(); err != nil {
		return Result{}, err
	}
	return Result{Signature: "0xauth", Encoding: "hex"}, nil
}

type fakeRecoverer struct {
	err       error
	calls     int
	addresses []string
}

func (f *fakeRecoverer) RecoverSession(_ context.Context, _ string, address string) error {
	f.calls++
	f.addresses = append(f.addresses, address)
	return f.err
}

type fakeLedger struct {
	saveErr error
	saved   []*storage.Transaction
}

func (f *fakeLedger) WalletByProviderID(_ context.Context, id string) (*storage.Wallet, error) {
	if id != "wal_1" {
		return nil, storage.ErrNotFound
	}
	return &storage.Wallet{ProviderWalletID: id, Address: "0x00000000000000000000000000000000000000aa", UserID: "user-1"}, nil
}

func (f *fakeLedger) SaveTransaction(_ context.Context, tx *storage.Transaction) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, tx)
	return nil
}

type harness struct {
	custodian *fakeCustodian
	recoverer *fakeRecoverer
	ledger    *fakeLedger
	slept     []time.Duration
	gateway   *Gateway
}

func newHarness(errs ...error) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		custodian: &fakeCustodian{errs: errs},
		recoverer: &fakeRecoverer{},
		ledger:    &fakeLedger{},
	}
	b := breaker.New("custody", breaker.DefaultConfig(), breaker.NewMemoryStore(), logger)
	h.gateway = NewGateway(h.custodian, h.recoverer, h.ledger, b, logger).
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		})
	return h
}

func sendRequest() TransactionRequest {
	return TransactionRequest{
		Chain:    "base",
		To:       "0x000000000000000000000000000000000000dEaD",
		Value:    "0x2386f26fc10000",
		Amount:   decimal.RequireFromString("0.01"),
		Currency: "eth",
	}
}

func TestSendRecoversExpiredSessionTwice(t *testing.T) {
	h := newHarness(errExpired, errExpired)

	res, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Hash != "0xabc" {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.custodian.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", h.custodian.calls)
	}
	if h.recoverer.calls != 2 {
		t.Fatalf("expected 2 recoveries, got %d", h.recoverer.calls)
	}
	if h.recoverer.addresses[0] != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("recovery should receive the ledger address, got %q", h.recoverer.addresses[0])
	}
	if len(h.slept) != 2 || h.slept[0] != DefaultRecoveryGrace {
		t.Fatalf("expected two grace pauses, got %v", h.slept)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(errExpired, errExpired, errExpired)

	_, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest())
	if apperr.KindOf(err) != apperr.KindSessionExpired {
		t.Fatalf("expected SESSION_EXPIRED, got %v", err)
	}
	if h.custodian.calls != MaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", MaxRetries+1, h.custodian.calls)
	}
	if h.recoverer.calls != MaxRetries {
		t.Fatalf("expected %d recoveries, got %d", MaxRetries, h.recoverer.calls)
	}
	if len(h.ledger.saved) != 0 {
		t.Fatalf("failed send must not be recorded")
	}
}

func TestExpiredSessionBehindServerErrorIsRecovered(t *testing.T) {
	outage := apperr.Newf(apperr.KindNetwork, "custody provider error (503): session has expired")
	h := newHarness(outage, outage, outage)

	_, err := h.gateway.SignMessage(context.Background(), "wal_1", MessageRequest{Chain: "base", Message: "hi"})
	if apperr.KindOf(err) != apperr.KindSessionExpired {
		t.Fatalf("expected SESSION_EXPIRED, got %v", err)
	}
	if h.custodian.calls != 3 || h.recoverer.calls != 2 {
		t.Fatalf("expected 3 calls and 2 recoveries, got %d and %d", h.custodian.calls, h.recoverer.calls)
	}
}

func TestRecoveryFailureStillRetries(t *testing.T) {
	h := newHarness(errExpired)
	h.recoverer.err = errors.New("refresh endpoint down")

	if _, err := h.gateway.SignMessage(context.Background(), "wal_1", MessageRequest{Chain: "base", Message: "hello"}); err != nil {
		t.Fatalf("expected retry after failed recovery to succeed, got %v", err)
	}
	if h.custodian.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", h.custodian.calls)
	}
}

func TestNonExpiryErrorIsClassifiedWithoutRetry(t *testing.T) {
	h := newHarness(errors.New("insufficient funds for transfer"))

	_, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest())
	if apperr.KindOf(err) != apperr.KindInsufficient {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	if h.custodian.calls != 1 || h.recoverer.calls != 0 {
		t.Fatalf("expected one call and no recovery, got %d/%d", h.custodian.calls, h.recoverer.calls)
	}
}

func TestUnknownChainFailsBeforeProviderCall(t *testing.T) {
	h := newHarness()
	req := sendRequest()
	req.Chain = "dogechain"

	_, err := h.gateway.SendTransaction(context.Background(), "wal_1", req)
	if apperr.KindOf(err) != apperr.KindUnsupported {
		t.Fatalf("expected UNSUPPORTED_CHAIN, got %v", err)
	}
	if h.custodian.calls != 0 {
		t.Fatalf("provider must not be called for unknown chains")
	}
}

func TestSendRecordsLedgerRow(t *testing.T) {
	h := newHarness()

	res, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Explorer != "https://basescan.org/tx/0xabc" {
		t.Fatalf("unexpected explorer link %q", res.Explorer)
	}
	if len(h.ledger.saved) != 1 {
		t.Fatalf("expected one recorded transaction")
	}
	tx := h.ledger.saved[0]
	if tx.Kind != storage.KindDirectTransfer || tx.Status != storage.StatusProcessing || tx.UserID != "user-1" || tx.Currency != "ETH" {
		t.Fatalf("unexpected ledger row %+v", tx)
	}
	if h.custodian.last.To != "0x000000000000000000000000000000000000dEaD" {
		t.Fatalf("recipient should be checksummed, got %s", h.custodian.last.To)
	}
}

func TestRecordedHashIsNormalized(t *testing.T) {
	h := newHarness()
	h.custodian.result = &Result{Hash: "0xABCdef"}

	if _, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest()); err != nil {
		t.Fatalf("send: %v", err)
	}
	tx := h.ledger.saved[0]
	if tx.TxHash == nil || *tx.TxHash != "0xabcdef" || tx.ProviderOrderID != "base:0xabcdef" {
		t.Fatalf("expected lowercased hash in both fields, got %+v", tx)
	}
}

func TestMissingHashRowsDoNotCollide(t *testing.T) {
	h := newHarness()
	h.custodian.result = &Result{}

	for i := 0; i < 2; i++ {
		if _, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest()); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(h.ledger.saved) != 2 {
		t.Fatalf("expected two recorded rows, got %d", len(h.ledger.saved))
	}
	a, b := h.ledger.saved[0], h.ledger.saved[1]
	if a.ProviderOrderID == b.ProviderOrderID || a.TxHash != nil || b.TxHash != nil {
		t.Fatalf("rows without a hash must get distinct order ids: %q %q", a.ProviderOrderID, b.ProviderOrderID)
	}
}

func TestRecordingFailureDoesNotFailSend(t *testing.T) {
	h := newHarness()
	h.ledger.saveErr = errors.New("disk full")

	res, err := h.gateway.SendTransaction(context.Background(), "wal_1", sendRequest())
	if err != nil || res.Hash != "0xabc" {
		t.Fatalf("expected send to succeed despite recording failure, got %+v %v", res, err)
	}
}

func TestPayloadValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.gateway.SignRawHash(ctx, "wal_1", RawHashRequest{Chain: "base", Hash: "0x1234"}); apperr.KindOf(err) != apperr.KindInvalidPayload {
		t.Fatalf("expected short hash to be rejected, got %v", err)
	}
	hash := "0x" + strings.Repeat("ab", 32)
	if _, err := h.gateway.SignRawHash(ctx, "wal_1", RawHashRequest{Chain: "base", Hash: hash}); err != nil {
		t.Fatalf("expected 32-byte hash to be accepted, got %v", err)
	}
	if _, err := h.gateway.Sign7702Authorization(ctx, "wal_1", AuthorizationRequest{Chain: "solana", Contract: "0x000000000000000000000000000000000000dEaD"}); apperr.KindOf(err) != apperr.KindUnsupported {
		t.Fatalf("expected 7702 on solana to be unsupported, got %v", err)
	}
	if _, err := h.gateway.SignTypedData(ctx, "wal_1", TypedDataRequest{Chain: "base", TypedData: []byte("{")}); apperr.KindOf(err) != apperr.KindInvalidPayload {
		t.Fatalf("expected invalid typed data to be rejected, got %v", err)
	}
	req := sendRequest()
	req.To = "not-an-address"
	if _, err := h.gateway.SignTransaction(ctx, "wal_1", req); apperr.KindOf(err) != apperr.KindInvalidPayload {
		t.Fatalf("expected bad recipient to be rejected, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want apperr.Kind
	}{
		{"insufficient funds for gas * price + value", apperr.KindGasRequired},
		{"ERC20: transfer amount exceeds balance", apperr.KindInsufficient},
		{"nonce too low: next nonce 5, tx nonce 4", apperr.KindNonceConflict},
		{"User rejected the request", apperr.KindRejected},
		{"request timed out", apperr.KindTimeout},
		{"dial tcp: connection refused", apperr.KindNetwork},
		{"Session expired, please sign in again", apperr.KindSessionExpired},
		{"mystery", apperr.KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)).Kind; got != c.want {
			t.Fatalf("%q: want %s got %s", c.msg, c.want, got)
		}
	}
	if Classify(context.DeadlineExceeded).Kind != apperr.KindTimeout {
		t.Fatalf("expected deadline to classify as timeout")
	}
	outage := apperr.Newf(apperr.KindNetwork, "custody provider error (502): user session key is expired")
	if Classify(outage).Kind != apperr.KindSessionExpired {
		t.Fatalf("expired session inside a server error must classify as session expiry")
	}
	open := apperr.New(apperr.KindCircuitOpen, "custody is unavailable")
	if Classify(open) != open {
		t.Fatalf("classified errors must pass through")
	}
}
