package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Credits is an integer count of prepaid usage credits.
type Credits int64

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates a credit amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Balance is an account's credit balance. Unlimited is a distinguished
// sentinel, never mixed with finite arithmetic.
type Balance int64

// Unlimited marks accounts on the unlimited plan.
const Unlimited Balance = -1

// IsUnlimited reports whether the balance is the unlimited sentinel.
func (balance Balance) IsUnlimited() bool {
	return balance == Unlimited
}

// Credits returns the finite credit count; zero for unlimited balances.
func (balance Balance) Credits() Credits {
	if balance.IsUnlimited() {
		return 0
	}
	return Credits(balance)
}

// NewBalance validates a stored balance value.
func NewBalance(raw int64) (Balance, error) {
	if raw == int64(Unlimited) {
		return Unlimited, nil
	}
	if raw < 0 {
		return 0, fmt.Errorf("%w: negative balance", ErrInvalidBalance)
	}
	return Balance(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ExternalRef is the provider-issued idempotency key for a grant: a payment
// intent id or, for zero-amount checkouts, the checkout session id.
type ExternalRef struct {
	value string
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// Plan enumerates subscription tiers.
type Plan string

const (
	PlanNone      Plan = "none"
	PlanTierA     Plan = "tier_a"
	PlanTierB     Plan = "tier_b"
	PlanUnlimited Plan = "unlimited"
)

// String returns the plan identifier.
func (plan Plan) String() string {
	return string(plan)
}

// ParsePlan validates a stored plan value.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanNone, PlanTierA, PlanTierB, PlanUnlimited:
		return Plan(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
}

// SubscriptionStatus tracks the provider-side subscription lifecycle.
// Provider statuses outside the known set pass through as-is.
type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "none"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// String returns the status identifier.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// TransactionStatus marks the outcome recorded on an audit row.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
)

// Account is the durable per-user ledger row.
type Account struct {
	AccountID          string
	UserID             string
	CustomerID         string
	Balance            Balance
	Plan               Plan
	Status             SubscriptionStatus
	SubscriptionID     string
	MonthlyQuota       Credits
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
}

// Transaction is an immutable audit record of one applied grant.
type Transaction struct {
	TransactionID  string
	ExternalRef    string
	AccountID      string
	CreditsGranted Credits
	AmountCents    int64
	Currency       string
	Status         TransactionStatus
	MetadataJSON   string
	CreatedUnixUTC int64
}

// ProductMapping maps a provider price or product id to a credit value.
type ProductMapping struct {
	PriceID   string
	ProductID string
	Credits   Credits
	Active    bool
}

// IngressRecord is one received webhook notification, appended before
// dispatch regardless of the downstream outcome.
type IngressRecord struct {
	EventID         string
	EventType       string
	PayloadExcerpt  string
	SignatureValid  bool
	ReceivedUnixUTC int64
}

// SubscriptionChange is the full subscription-state write applied by the
// synchronizer and the renewal scheduler.
type SubscriptionChange struct {
	Plan               Plan
	Status             SubscriptionStatus
	SubscriptionID     string
	Balance            *Balance // nil leaves the balance untouched
	MonthlyQuota       Credits  // zero when the plan has no finite quota
	PeriodStartUnixUTC int64    // zero clears
	PeriodEndUnixUTC   int64    // zero clears; unlimited plans carry no expiry
}

// Store is the persistence contract shared by the service, the payment
// processor, the subscription synchronizer, and the renewal scheduler.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountByUserID(ctx context.Context, userID UserID) (Account, error)
	GetAccountByID(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (Account, error)
	SetCustomerID(ctx context.Context, accountID AccountID, customerID string) error

	// AddCredits and DebitCredits apply relative deltas as single
	// conditional updates; false means the guard did not match (the
	// unlimited sentinel for credits, an insufficient balance for debits).
	AddCredits(ctx context.Context, accountID AccountID, amount Credits) (bool, error)
	DebitCredits(ctx context.Context, accountID AccountID, amount Credits) (bool, error)

	ApplySubscription(ctx context.Context, accountID AccountID, change SubscriptionChange) error
	ClearSubscription(ctx context.Context, accountID AccountID, status SubscriptionStatus) error

	TransactionExists(ctx context.Context, ref ExternalRef) (bool, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)

	CreditValue(ctx context.Context, priceID string, productID string) (Credits, error)
	UpsertProductMapping(ctx context.Context, mapping ProductMapping) error

	ListActiveUnlimited(ctx context.Context) ([]Account, error)
	ListExpiredMetered(ctx context.Context, nowUnixUTC int64) ([]Account, error)

	AppendIngress(ctx context.Context, record IngressRecord) (int64, error)
	MarkIngressProcessed(ctx context.Context, ingressID int64, processingError string) error
}
