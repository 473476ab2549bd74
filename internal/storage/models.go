package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Kind is the flow that created a transaction.
type Kind string

const (
	KindOffRamp        Kind = "offramp"
	KindOnRamp         Kind = "onramp"
	KindDirectTransfer Kind = "direct_transfer"
	KindInvoicePayment Kind = "invoice_payment"
	KindPaymentLink    Kind = "payment_link"
)

// Transaction is the canonical ledger row. (Provider, ProviderOrderID) is
// unique per rail.
type Transaction struct {
	gorm.Model
	Kind            Kind            `gorm:"index"`
	Provider        string          `gorm:"uniqueIndex:idx_provider_order"`
	ProviderOrderID string          `gorm:"uniqueIndex:idx_provider_order"`
	Status          Status          `gorm:"index"`
	Amount          decimal.Decimal `gorm:"type:text"`
	Currency        string
	Chain           string
	TxHash          *string `gorm:"index"`
	ErrorMessage    *string
	UserID          string `gorm:"index"`
}

// User is the owner of wallets and payment requests, and the notification target.
type User struct {
	ID            string `gorm:"primaryKey"`
	DisplayName   string
	DiscordUserID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Wallet indexes custody wallets by provider id and by on-chain address.
type Wallet struct {
	gorm.Model
	ProviderWalletID string `gorm:"uniqueIndex"`
	Address          string `gorm:"index"`
	Chain            string
	UserID           string `gorm:"index"`
}

// RequestStatus is the lifecycle of an invoice or payment link.
type RequestStatus string

const (
	RequestOpen RequestStatus = "open"
	RequestPaid RequestStatus = "paid"
)

// PaymentRequest holds the fields invoices and payment links share.
type PaymentRequest struct {
	PublicID         string          `gorm:"uniqueIndex"`
	UserID           string          `gorm:"index"`
	RecipientAddress string          `gorm:"index"`
	Amount           decimal.Decimal `gorm:"type:text"`
	Currency         string
	Chain            string
	Status           RequestStatus `gorm:"index"`
	PaidTxHash       *string
	PaidAt           *time.Time
}

type Invoice struct {
	gorm.Model
	PaymentRequest `gorm:"embedded"`
	Description    string
}

type PaymentLink struct {
	gorm.Model
	PaymentRequest `gorm:"embedded"`
	Label          string
}

// WebhookEvent is an append-only record of every accepted rail delivery.
type WebhookEvent struct {
	ID            string `gorm:"primaryKey"`
	Rail          string `gorm:"index"`
	ExternalID    string `gorm:"index"`
	Status        string
	PayloadDigest string
	Outcome       string
	ReceivedAt    time.Time
}
