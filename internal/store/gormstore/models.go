package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCredits stores -1 for the
// unlimited sentinel; every balance guard excludes it.
type Account struct {
	AccountID          string     `gorm:"type:uuid;primaryKey"`
	UserID             string     `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	CustomerID         *string    `gorm:"uniqueIndex:uniq_accounts_customer"`
	BalanceCredits     int64      `gorm:"not null;default:0"`
	Plan               string     `gorm:"not null;default:'none'"`
	SubscriptionStatus string     `gorm:"not null;default:'none';index:idx_accounts_status_plan,priority:1"`
	SubscriptionID     *string    `gorm:""`
	MonthlyQuota       *int64     `gorm:""`
	PeriodStart        *time.Time `gorm:""`
	PeriodEnd          *time.Time `gorm:"index"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. The unique
// external_ref constraint is the idempotency safety net for at-least-once
// webhook delivery.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	ExternalRef    string         `gorm:"not null;uniqueIndex:uniq_transactions_external_ref"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	CreditsGranted int64          `gorm:"not null"`
	AmountCents    int64          `gorm:"not null;default:0"`
	Currency       string         `gorm:"not null;default:''"`
	Status         string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ProductMapping mirrors the product_mappings catalog table.
type ProductMapping struct {
	ID        uint      `gorm:"primaryKey"`
	PriceID   *string   `gorm:"uniqueIndex:uniq_mappings_price"`
	ProductID *string   `gorm:"uniqueIndex:uniq_mappings_product"`
	Credits   int64     `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ProductMapping) TableName() string { return "product_mappings" }

// IngressEvent mirrors the append-only ingress_events table. One row per
// provider event id; redelivered events keep the original row and are
// reprocessed downstream.
type IngressEvent struct {
	ID              int64      `gorm:"primaryKey"`
	EventID         string     `gorm:"not null;uniqueIndex:uniq_ingress_event"`
	EventType       string     `gorm:"not null;index"`
	Payload         string     `gorm:"type:text;not null"`
	SignatureValid  bool       `gorm:"not null;default:false"`
	ProcessedAt     *time.Time `gorm:""`
	ProcessingError string     `gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time  `gorm:"not null;index"`
}

func (IngressEvent) TableName() string { return "ingress_events" }
