package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NgigiN/stablelink/internal/api"
	"github.com/NgigiN/stablelink/internal/notify"
	"github.com/NgigiN/stablelink/internal/retry"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const testSecret = "whsec_test"

var dbSeq atomic.Int64

// spyStore counts every ledger call made through the engine.
type spyStore struct {
	db    *storage.Database
	calls atomic.Int32
}

func (s *spyStore) TransactionByProviderOrder(ctx context.Context, provider, orderID string) (*storage.Transaction, error) {
	s.calls.Add(1)
	return s.db.TransactionByProviderOrder(ctx, provider, orderID)
}

func (s *spyStore) TransactionByTxHash(ctx context.Context, hash string) (*storage.Transaction, error) {
	s.calls.Add(1)
	return s.db.TransactionByTxHash(ctx, hash)
}

func (s *spyStore) CompareAndSetStatus(ctx context.Context, id uint, expected storage.Status, update storage.StatusUpdate) (bool, error) {
	s.calls.Add(1)
	return s.db.CompareAndSetStatus(ctx, id, expected, update)
}

func (s *spyStore) WalletByAddress(ctx context.Context, address string) (*storage.Wallet, error) {
	s.calls.Add(1)
	return s.db.WalletByAddress(ctx, address)
}

func (s *spyStore) OpenRequests(ctx context.Context, userID, currency string) ([]storage.Invoice, []storage.PaymentLink, error) {
	s.calls.Add(1)
	return s.db.OpenRequests(ctx, userID, currency)
}

func (s *spyStore) InvoiceByPublicID(ctx context.Context, publicID string) (*storage.Invoice, error) {
	s.calls.Add(1)
	return s.db.InvoiceByPublicID(ctx, publicID)
}

func (s *spyStore) PaymentLinkByPublicID(ctx context.Context, publicID string) (*storage.PaymentLink, error) {
	s.calls.Add(1)
	return s.db.PaymentLinkByPublicID(ctx, publicID)
}

func (s *spyStore) SettleRequest(ctx context.Context, kind storage.Kind, requestID uint, payment *storage.Transaction) (bool, error) {
	s.calls.Add(1)
	return s.db.SettleRequest(ctx, kind, requestID, payment)
}

func (s *spyStore) RecordWebhookEvent(ctx context.Context, ev *storage.WebhookEvent) error {
	s.calls.Add(1)
	return s.db.RecordWebhookEvent(ctx, ev)
}

type recordingNotifier struct {
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev notify.Event) error {
	n.events = append(n.events, ev)
	return n.err
}

type fixture struct {
	db       *storage.Database
	store    *spyStore
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:webhook_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := storage.NewDatabase(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := retry.New(logger).WithSleeper(func(context.Context, time.Duration) error { return nil })
	f := &fixture{db: db, store: &spyStore{db: db}, notifier: &recordingNotifier{}}
	f.engine = NewEngine(f.store, f.notifier, r, logger)
	return f
}

func (f *fixture) seedOrder(t *testing.T, kind storage.Kind, rail, orderID string) {
	t.Helper()
	tx := &storage.Transaction{
		Kind:            kind,
		Provider:        rail,
		ProviderOrderID: orderID,
		Status:          storage.StatusPending,
		Amount:          decimal.RequireFromString("100"),
		Currency:        "USDC",
		Chain:           "base",
		UserID:          "user-1",
	}
	if err := f.db.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) status(t *testing.T, rail, orderID string) storage.Status {
	t.Helper()
	tx, err := f.db.TransactionByProviderOrder(context.Background(), rail, orderID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return tx.Status
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(h http.Handler, header string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/test", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(header, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func offRampBody(id, status string) []byte {
	return []byte(fmt.Sprintf(`{"event":"order.%s","data":{"id":%q,"status":%q,"amount":"100","currency":"USDC","transactionReference":"ref-1"},"timestamp":"2026-01-01T00:00:00Z"}`, status, id, status))
}

func onRampBody(id, status string) []byte {
	return []byte(fmt.Sprintf(`{"event":"transaction.updated","data":{"transaction_id":%q,"status":%q,"amount":"100","token":"USDC","chain":"base","fiat_amount":"13000","fiat_currency":"KES","wallet_address":"0xabc"},"timestamp":"2026-01-01T00:00:00Z"}`, id, status))
}

func TestOffRampReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, storage.KindOffRamp, RailOffRamp, "ord_123")
	h := f.engine.Handler(NewOffRamp(testSecret))

	for _, status := range []string{"processing", "completed", "completed", "completed"} {
		body := offRampBody("ord_123", status)
		rec := deliver(h, OffRampSignatureHeader, body, sign(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d %s", status, rec.Code, rec.Body.String())
		}
	}

	if got := f.status(t, RailOffRamp, "ord_123"); got != storage.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(f.notifier.events))
	}
	ev := f.notifier.events[0]
	if ev.Status != "completed" || ev.ID != "ord_123" || ev.RecipientUserID != "user-1" || ev.Detail != "Reference: ref-1." {
		t.Fatalf("unexpected notification %+v", ev)
	}
}

func TestStaleProcessingDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, storage.KindOnRamp, RailOnRamp, "tx_1")
	h := f.engine.Handler(NewOnRamp(testSecret))

	for _, status := range []string{"COMPLETED", "PROCESSING"} {
		body := onRampBody("tx_1", status)
		if rec := deliver(h, OnRampSignatureHeader, body, sign(body)); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", status, rec.Code)
		}
	}

	if got := f.status(t, RailOnRamp, "tx_1"); got != storage.StatusCompleted {
		t.Fatalf("expected completed to stick, got %s", got)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Status != "completed" {
		t.Fatalf("expected a single completed notification, got %+v", f.notifier.events)
	}
}

func TestOnRampNotifiesProcessingAndStoresHash(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, storage.KindOnRamp, RailOnRamp, "tx_2")
	ev := &OnRampEvent{}
	ev.Data.TransactionID = "tx_2"
	ev.Data.Status = "crypto_sent"
	ev.Data.TxHash = "0xfeed"

	outcome, err := f.engine.Apply(context.Background(), ev)
	if err != nil || outcome != OutcomeUpdated {
		t.Fatalf("apply: %s %v", outcome, err)
	}
	tx, _ := f.db.TransactionByProviderOrder(context.Background(), RailOnRamp, "tx_2")
	if tx.Status != storage.StatusProcessing || tx.TxHash == nil || *tx.TxHash != "0xfeed" {
		t.Fatalf("unexpected row %+v", tx)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].TxHash != "0xfeed" {
		t.Fatalf("expected processing notification with hash, got %+v", f.notifier.events)
	}
}

func TestBadSignatureRejectedBeforeStore(t *testing.T) {
	f := newFixture(t)
	h := f.engine.Handler(NewOffRamp(testSecret))
	body := offRampBody("ord_123", "completed")

	rec := deliver(h, OffRampSignatureHeader, body, "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Code != "INVALID_SIGNATURE" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
	if n := f.store.calls.Load(); n != 0 {
		t.Fatalf("expected no store access, got %d calls", n)
	}
}

func TestSignatureIsCaseInsensitive(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := sign(body)
	upper := bytes.ToUpper([]byte(sig))
	if !ValidSignature(testSecret, string(upper), body) {
		t.Fatalf("expected upper-case hex to verify")
	}
	if !ValidSignature(testSecret, "sha256="+sig, body) {
		t.Fatalf("expected prefixed signature to verify")
	}
	if ValidSignature(testSecret, "", body) {
		t.Fatalf("empty signature must not verify")
	}
}

func TestPlaceholderSecretSkipsVerification(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, storage.KindOffRamp, RailOffRamp, "ord_9")
	h := f.engine.Handler(NewOffRamp("changeme"))

	rec := deliver(h, OffRampSignatureHeader, offRampBody("ord_9", "processing"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Verified {
		t.Fatalf("expected unverified result, got %s", rec.Body.String())
	}
}

func TestInvalidAndUnknownOrders(t *testing.T) {
	f := newFixture(t)
	h := f.engine.Handler(NewOffRamp(""))

	rec := deliver(h, OffRampSignatureHeader, []byte(`{"event":"x","data":{"id":"ord_1"}}`), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing status: expected 400, got %d", rec.Code)
	}

	rec = deliver(h, OffRampSignatureHeader, offRampBody("ord_missing", "completed"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order: expected 404, got %d", rec.Code)
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("unknown order must not notify")
	}
}

func TestNotificationFailureStillAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, storage.KindOffRamp, RailOffRamp, "ord_5")
	f.notifier.err = errors.New("discord down")
	h := f.engine.Handler(NewOffRamp(testSecret))

	body := offRampBody("ord_5", "failed")
	if rec := deliver(h, OffRampSignatureHeader, body, sign(body)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite notification failure, got %d", rec.Code)
	}
	tx, _ := f.db.TransactionByProviderOrder(context.Background(), RailOffRamp, "ord_5")
	if tx.Status != storage.StatusFailed || tx.ErrorMessage == nil {
		t.Fatalf("expected failed row with error detail, got %+v", tx)
	}
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		rail, raw string
		want      storage.Status
	}{
		{RailOffRamp, "Settled", storage.StatusCompleted},
		{RailOffRamp, "refunded", storage.StatusFailed},
		{RailOffRamp, "something_new", storage.StatusPending},
		{RailOnRamp, "PAYMENT_RECEIVED", storage.StatusProcessing},
		{RailOnRamp, "EXPIRED", storage.StatusFailed},
		{RailIndexer, "completed", storage.StatusPending},
	}
	for _, c := range cases {
		if got := MapStatus(c.rail, c.raw); got != c.want {
			t.Fatalf("%s/%s: want %s got %s", c.rail, c.raw, c.want, got)
		}
	}
}

type indexerFixture struct {
	*fixture
	address string
	link    *storage.PaymentLink
}

func newIndexerFixture(t *testing.T) *indexerFixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	address := solana.NewWallet().PublicKey().String()
	if err := f.db.SaveWallet(ctx, &storage.Wallet{ProviderWalletID: "wal_sol", Address: address, Chain: "solana", UserID: "user-1"}); err != nil {
		t.Fatalf("wallet: %v", err)
	}
	link := &storage.PaymentLink{
		PaymentRequest: storage.PaymentRequest{
			UserID:           "user-1",
			RecipientAddress: address,
			Amount:           decimal.RequireFromString("100.00"),
			Currency:         "SOL",
			Chain:            "solana",
		},
		Label: "consulting",
	}
	if err := f.db.CreatePaymentLink(ctx, link); err != nil {
		t.Fatalf("link: %v", err)
	}
	return &indexerFixture{fixture: f, address: address, link: link}
}

func nativeTransfer(signature, to, amount string) []byte {
	return []byte(fmt.Sprintf(`[{"signature":%q,"nativeTransfers":[{"fromAddress":"11111111111111111111111111111111","toAddress":%q,"amount":%s}],"tokenTransfers":[]}]`, signature, to, amount))
}

func TestIndexerToleranceMatch(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	h := f.engine.Handler(NewIndexer(""))

	rec := deliver(h, IndexerAuthHeader, nativeTransfer("sig-low", f.address, "80.00"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	link, _ := f.db.PaymentLinkByPublicID(ctx, f.link.PublicID)
	if link.Status != storage.RequestOpen {
		t.Fatalf("80.00 must not settle a 100.00 link")
	}
	if _, err := f.db.TransactionByTxHash(ctx, "sig-low"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unmatched transfer must not write a transaction, got %v", err)
	}

	rec = deliver(h, IndexerAuthHeader, nativeTransfer("sig-ok", f.address, "99.50"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	link, _ = f.db.PaymentLinkByPublicID(ctx, f.link.PublicID)
	if link.Status != storage.RequestPaid || link.PaidTxHash == nil || *link.PaidTxHash != "sig-ok" {
		t.Fatalf("expected link paid by sig-ok, got %+v", link.PaymentRequest)
	}
	payment, err := f.db.TransactionByProviderOrder(ctx, RailIndexer, "sig-ok:0")
	if err != nil || payment.Kind != storage.KindPaymentLink || payment.Status != storage.StatusCompleted {
		t.Fatalf("expected recorded payment, got %+v %v", payment, err)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Status != "paid" {
		t.Fatalf("expected one paid notification, got %+v", f.notifier.events)
	}

	deliver(h, IndexerAuthHeader, nativeTransfer("sig-ok", f.address, "99.50"), "")
	if len(f.notifier.events) != 1 {
		t.Fatalf("replay must not notify again")
	}
}

func TestIndexerReplayWithSecondMatchingLink(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	h := f.engine.Handler(NewIndexer(""))

	second := &storage.PaymentLink{
		PaymentRequest: storage.PaymentRequest{
			UserID:           "user-1",
			RecipientAddress: f.address,
			Amount:           decimal.RequireFromString("100.00"),
			Currency:         "SOL",
			Chain:            "solana",
		},
		Label: "retainer",
	}
	if err := f.db.CreatePaymentLink(ctx, second); err != nil {
		t.Fatalf("link: %v", err)
	}

	body := nativeTransfer("sig-dup", f.address, "99.50")
	for i := 0; i < 2; i++ {
		if rec := deliver(h, IndexerAuthHeader, body, ""); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	paid := 0
	for _, id := range []string{f.link.PublicID, second.PublicID} {
		link, err := f.db.PaymentLinkByPublicID(ctx, id)
		if err != nil {
			t.Fatalf("load link: %v", err)
		}
		if link.Status == storage.RequestPaid {
			paid++
		}
	}
	if paid != 1 {
		t.Fatalf("one transfer must settle exactly one link, got %d", paid)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.events))
	}
}

func TestIndexerMemoReferenceWins(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	usdc := "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	var invoices []*storage.Invoice
	for i := 0; i < 2; i++ {
		inv := &storage.Invoice{PaymentRequest: storage.PaymentRequest{
			UserID:   "user-1",
			Amount:   decimal.RequireFromString("50"),
			Currency: "USDC",
			Chain:    "solana",
		}}
		if err := f.db.CreateInvoice(ctx, inv); err != nil {
			t.Fatalf("invoice: %v", err)
		}
		invoices = append(invoices, inv)
	}

	ev := &IndexerEvent{
		Signature:      "sig-memo",
		Memo:           "payment for " + invoices[1].PublicID,
		TokenTransfers: []Transfer{{ToAddress: f.address, Amount: decimal.RequireFromString("50"), Mint: usdc}},
	}
	outcome, err := f.engine.Apply(ctx, ev)
	if err != nil || outcome != OutcomePaid {
		t.Fatalf("apply: %s %v", outcome, err)
	}
	first, _ := f.db.InvoiceByPublicID(ctx, invoices[0].PublicID)
	second, _ := f.db.InvoiceByPublicID(ctx, invoices[1].PublicID)
	if first.Status != storage.RequestOpen || second.Status != storage.RequestPaid {
		t.Fatalf("expected referenced invoice paid, got %s/%s", first.Status, second.Status)
	}
}

func TestIndexerConfirmsDirectTransfer(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	hash := "5sig-direct"
	if err := f.db.SaveTransaction(ctx, &storage.Transaction{
		Kind:            storage.KindDirectTransfer,
		Provider:        "custody",
		ProviderOrderID: "solana:" + hash,
		Status:          storage.StatusProcessing,
		Amount:          decimal.RequireFromString("1"),
		Currency:        "SOL",
		TxHash:          &hash,
		UserID:          "user-2",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outcome, err := f.engine.Apply(ctx, &IndexerEvent{Signature: hash})
	if err != nil || outcome != OutcomeConfirmed {
		t.Fatalf("apply: %s %v", outcome, err)
	}
	tx, _ := f.db.TransactionByTxHash(ctx, hash)
	if tx.Status != storage.StatusCompleted {
		t.Fatalf("expected completed, got %s", tx.Status)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].RecipientUserID != "user-2" {
		t.Fatalf("expected sender notification, got %+v", f.notifier.events)
	}
}

func TestIndexerAuthorization(t *testing.T) {
	f := newFixture(t)
	h := f.engine.Handler(NewIndexer("idx-token"))
	body := []byte(`{"signature":"s","nativeTransfers":[],"tokenTransfers":[]}`)

	if rec := deliver(h, IndexerAuthHeader, body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := deliver(h, IndexerAuthHeader, body, "idx-token"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
}
