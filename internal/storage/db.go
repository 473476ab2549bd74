package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Migrate creates or updates every ledger table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Transaction{},
		&User{},
		&Wallet{},
		&Invoice{},
		&PaymentLink{},
		&WebhookEvent{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) SaveTransaction(ctx context.Context, tx *Transaction) error {
	if tx.TxHash != nil {
		hash := NormalizeHash(*tx.TxHash)
		tx.TxHash = &hash
	}
	if err := d.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (d *Database) TransactionByID(ctx context.Context, id uint) (*Transaction, error) {
	var tx Transaction
	if err := d.db.WithContext(ctx).First(&tx, id).Error; err != nil {
		return nil, wrapLookup("transaction", err)
	}
	return &tx, nil
}

// TransactionByProviderOrder finds the row a rail refers to by its own id.
func (d *Database) TransactionByProviderOrder(ctx context.Context, provider, orderID string) (*Transaction, error) {
	var tx Transaction
	err := d.db.WithContext(ctx).
		Where("provider = ? AND provider_order_id = ?", provider, orderID).
		First(&tx).Error
	if err != nil {
		return nil, wrapLookup("transaction", err)
	}
	return &tx, nil
}

func (d *Database) TransactionByTxHash(ctx context.Context, hash string) (*Transaction, error) {
	var tx Transaction
	if err := d.db.WithContext(ctx).Where("tx_hash = ?", NormalizeHash(hash)).First(&tx).Error; err != nil {
		return nil, wrapLookup("transaction", err)
	}
	return &tx, nil
}

// StatusUpdate carries the fields a status change may fill in.
type StatusUpdate struct {
	Status       Status
	TxHash       string
	ErrorMessage string
	At           time.Time
}

// CompareAndSetStatus writes update only if the row still has status expected.
// It reports whether the write happened; false means another writer got there
// first and the caller must re-read.
func (d *Database) CompareAndSetStatus(ctx context.Context, id uint, expected Status, update StatusUpdate) (bool, error) {
	if update.At.IsZero() {
		update.At = time.Now()
	}
	fields := map[string]any{
		"status":     update.Status,
		"updated_at": update.At,
	}
	if update.TxHash != "" {
		fields["tx_hash"] = NormalizeHash(update.TxHash)
	}
	if update.ErrorMessage != "" {
		fields["error_message"] = update.ErrorMessage
	}

	res := d.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (d *Database) SaveUser(ctx context.Context, u *User) error {
	if err := d.db.WithContext(ctx).Save(u).Error; err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (d *Database) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := d.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, wrapLookup("user", err)
	}
	return &u, nil
}

func (d *Database) SaveWallet(ctx context.Context, w *Wallet) error {
	w.Address = NormalizeAddress(w.Address)
	if err := d.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (d *Database) WalletByProviderID(ctx context.Context, providerWalletID string) (*Wallet, error) {
	var w Wallet
	if err := d.db.WithContext(ctx).Where("provider_wallet_id = ?", providerWalletID).First(&w).Error; err != nil {
		return nil, wrapLookup("wallet", err)
	}
	return &w, nil
}

// WalletByAddress resolves an on-chain address to its owning wallet.
func (d *Database) WalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	err := d.db.WithContext(ctx).Where("address = ?", NormalizeAddress(address)).First(&w).Error
	if err != nil {
		return nil, wrapLookup("wallet", err)
	}
	return &w, nil
}

func (d *Database) CreateInvoice(ctx context.Context, inv *Invoice) error {
	inv.RecipientAddress = NormalizeAddress(inv.RecipientAddress)
	if inv.PublicID == "" {
		inv.PublicID = NewPublicID(InvoicePrefix)
	}
	if inv.Status == "" {
		inv.Status = RequestOpen
	}
	if err := d.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (d *Database) CreatePaymentLink(ctx context.Context, link *PaymentLink) error {
	link.RecipientAddress = NormalizeAddress(link.RecipientAddress)
	if link.PublicID == "" {
		link.PublicID = NewPublicID(PaymentLinkPrefix)
	}
	if link.Status == "" {
		link.Status = RequestOpen
	}
	if err := d.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("failed to create payment link: %w", err)
	}
	return nil
}

func (d *Database) InvoiceByPublicID(ctx context.Context, publicID string) (*Invoice, error) {
	var inv Invoice
	if err := d.db.WithContext(ctx).Where("public_id = ?", publicID).First(&inv).Error; err != nil {
		return nil, wrapLookup("invoice", err)
	}
	return &inv, nil
}

func (d *Database) PaymentLinkByPublicID(ctx context.Context, publicID string) (*PaymentLink, error) {
	var link PaymentLink
	if err := d.db.WithContext(ctx).Where("public_id = ?", publicID).First(&link).Error; err != nil {
		return nil, wrapLookup("payment link", err)
	}
	return &link, nil
}

// OpenRequests lists a user's unpaid invoices and payment links in a currency.
func (d *Database) OpenRequests(ctx context.Context, userID, currency string) ([]Invoice, []PaymentLink, error) {
	var invoices []Invoice
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND UPPER(currency) = UPPER(?)", userID, RequestOpen, currency).
		Order("created_at").
		Find(&invoices).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list open invoices: %w", err)
	}

	var links []PaymentLink
	err = d.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND UPPER(currency) = UPPER(?)", userID, RequestOpen, currency).
		Order("created_at").
		Find(&links).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list open payment links: %w", err)
	}
	return invoices, links, nil
}

// SettleRequest marks an open invoice or payment link paid and records the
// payment in one database transaction. It reports false without writing
// anything when the request is no longer open.
func (d *Database) SettleRequest(ctx context.Context, kind Kind, requestID uint, payment *Transaction) (bool, error) {
	var model any
	switch kind {
	case KindInvoicePayment:
		model = &Invoice{}
	case KindPaymentLink:
		model = &PaymentLink{}
	default:
		return false, fmt.Errorf("cannot settle request of kind %q", kind)
	}

	if payment.TxHash != nil {
		hash := NormalizeHash(*payment.TxHash)
		payment.TxHash = &hash
	}

	settled := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := payment.UpdatedAt
		if now.IsZero() {
			now = time.Now()
		}
		res := tx.Model(model).
			Where("id = ? AND status = ?", requestID, RequestOpen).
			Updates(map[string]any{
				"status":       RequestPaid,
				"paid_tx_hash": payment.TxHash,
				"paid_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark request paid: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

func (d *Database) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if err := d.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// Public id prefixes. Payers quote these in transfer memos.
const (
	InvoicePrefix     = "inv_"
	PaymentLinkPrefix = "link_"
)

// NewPublicID returns prefix followed by 12 random hex characters.
func NewPublicID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NormalizeAddress lowercases hex addresses; base58 addresses are case
// sensitive and kept as is.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return strings.ToLower(address)
	}
	return address
}

// NormalizeHash applies the address rule to transaction hashes: hex hashes
// are lowercased, base58 signatures are left alone.
func NormalizeHash(hash string) string {
	return NormalizeAddress(hash)
}

func wrapLookup(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
