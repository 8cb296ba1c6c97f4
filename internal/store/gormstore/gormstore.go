package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nightjarhq/creditd/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectCatalog   = "catalog"
	errorSubjectIngress   = "ingress"
	errorSubjectTx        = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account := Account{UserID: userID.String()}
	err := store.db.WithContext(ctx).Create(&account).Error
	if isUniqueViolation(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccountByUserID(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(ctx, "user_id = ?", userID.String())
}

func (store *Store) GetAccountByID(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(ctx, "account_id = ?", accountID.String())
}

func (store *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (ledger.Account, error) {
	return store.getAccount(ctx, "customer_id = ?", customerID)
}

func (store *Store) getAccount(ctx context.Context, query string, arg string) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where(query, arg).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) SetCustomerID(ctx context.Context, accountID ledger.AccountID, customerID string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("customer_id", customerID)
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, result.Error)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// AddCredits applies a relative increment to a finite balance. The guard
// `balance_credits >= 0` never matches the unlimited sentinel, so grants to
// unlimited accounts report false without mutating the row.
func (store *Store) AddCredits(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_credits >= 0", accountID.String()).
		Update("balance_credits", gorm.Expr("balance_credits + ?", amount.Int64()))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DebitCredits applies a relative decrement guarded by the current balance,
// so two concurrent spends cannot drive it negative.
func (store *Store) DebitCredits(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_credits >= ?", accountID.String(), amount.Int64()).
		Update("balance_credits", gorm.Expr("balance_credits - ?", amount.Int64()))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ApplySubscription(ctx context.Context, accountID ledger.AccountID, change ledger.SubscriptionChange) error {
	updates := map[string]interface{}{
		"plan":                change.Plan.String(),
		"subscription_status": change.Status.String(),
		"subscription_id":     nullableString(change.SubscriptionID),
		"monthly_quota":       nullableInt64(change.MonthlyQuota.Int64()),
		"period_start":        nullableTime(change.PeriodStartUnixUTC),
		"period_end":          nullableTime(change.PeriodEndUnixUTC),
	}
	if change.Balance != nil {
		updates["balance_credits"] = int64(*change.Balance)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// ClearSubscription drops the provider subscription reference and records
// the terminal status; balance, plan, and periods are left untouched.
func (store *Store) ClearSubscription(ctx context.Context, accountID ledger.AccountID, status ledger.SubscriptionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"subscription_id":     nil,
			"subscription_status": status.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) TransactionExists(ctx context.Context, ref ledger.ExternalRef) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("external_ref = ?", ref.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := CreditTransaction{
		TransactionID:  transaction.TransactionID,
		ExternalRef:    transaction.ExternalRef,
		AccountID:      transaction.AccountID,
		CreditsGranted: transaction.CreditsGranted.Int64(),
		AmountCents:    transaction.AmountCents,
		Currency:       transaction.Currency,
		Status:         string(transaction.Status),
		Metadata:       datatypesJSON(transaction.MetadataJSON),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CreditValue resolves the credit value for a price id, falling back to the
// product id. Catalog rows are denormalized into transactions at write time,
// so later edits never rewrite history.
func (store *Store) CreditValue(ctx context.Context, priceID string, productID string) (ledger.Credits, error) {
	if priceID != "" {
		credits, err := store.lookupMapping(ctx, "price_id = ?", priceID)
		if err == nil {
			return credits, nil
		}
		if !errors.Is(err, ledger.ErrMappingNotFound) {
			return 0, err
		}
	}
	if productID != "" {
		return store.lookupMapping(ctx, "product_id = ?", productID)
	}
	return 0, wrapStoreError(errorSubjectCatalog, errorCodeLookup, ledger.ErrMappingNotFound)
}

func (store *Store) lookupMapping(ctx context.Context, query string, arg string) (ledger.Credits, error) {
	var mapping ProductMapping
	err := store.db.WithContext(ctx).
		Where(query, arg).
		Where("active = ?", true).
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectCatalog, errorCodeLookup, ledger.ErrMappingNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectCatalog, errorCodeLookup, err)
	}
	credits, err := ledger.NewCredits(mapping.Credits)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return credits, nil
}

func (store *Store) UpsertProductMapping(ctx context.Context, mapping ledger.ProductMapping) error {
	row := ProductMapping{
		PriceID:   nullableString(mapping.PriceID),
		ProductID: nullableString(mapping.ProductID),
		Credits:   mapping.Credits.Int64(),
		Active:    mapping.Active,
	}
	var existing ProductMapping
	query := store.db.WithContext(ctx)
	if mapping.PriceID != "" {
		query = query.Where("price_id = ?", mapping.PriceID)
	} else {
		query = query.Where("product_id = ?", mapping.ProductID)
	}
	err := query.Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, createErr)
		}
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, err)
	}
	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	if saveErr := store.db.WithContext(ctx).Save(&row).Error; saveErr != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, saveErr)
	}
	return nil
}

func (store *Store) ListActiveUnlimited(ctx context.Context) ([]ledger.Account, error) {
	return store.listAccounts(ctx, store.db.WithContext(ctx).
		Where("subscription_status = ?", ledger.SubscriptionActive.String()).
		Where("plan = ?", ledger.PlanUnlimited.String()))
}

func (store *Store) ListExpiredMetered(ctx context.Context, nowUnixUTC int64) ([]ledger.Account, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	return store.listAccounts(ctx, store.db.WithContext(ctx).
		Where("subscription_status = ?", ledger.SubscriptionActive.String()).
		Where("plan NOT IN ?", []string{ledger.PlanUnlimited.String(), ledger.PlanNone.String()}).
		Where("period_end IS NOT NULL AND period_end <= ?", now))
}

func (store *Store) listAccounts(ctx context.Context, query *gorm.DB) ([]ledger.Account, error) {
	var rows []Account
	if err := query.Order("account_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// AppendIngress records a received notification keyed by provider event id.
// Redelivered events keep the original row; the stored id is returned either
// way so the caller can mark the processing outcome.
func (store *Store) AppendIngress(ctx context.Context, record ledger.IngressRecord) (int64, error) {
	row := IngressEvent{
		EventID:        record.EventID,
		EventType:      record.EventType,
		Payload:        record.PayloadExcerpt,
		SignatureValid: record.SignatureValid,
		CreatedAt:      time.Unix(record.ReceivedUnixUTC, 0).UTC(),
	}
	if record.ReceivedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectIngress, errorCodeInsert, err)
	}
	var stored IngressEvent
	if err := store.db.WithContext(ctx).Where("event_id = ?", record.EventID).Take(&stored).Error; err != nil {
		return 0, wrapStoreError(errorSubjectIngress, errorCodeGet, err)
	}
	return stored.ID, nil
}

func (store *Store) MarkIngressProcessed(ctx context.Context, ingressID int64, processingError string) error {
	now := time.Now().UTC()
	err := store.db.WithContext(ctx).
		Model(&IngressEvent{}).
		Where("id = ?", ingressID).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"processing_error": processingError,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIngress, errorCodeUpdate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (ledger.Account, error) {
	balance, err := ledger.NewBalance(row.BalanceCredits)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	plan, err := ledger.ParsePlan(row.Plan)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account := ledger.Account{
		AccountID: row.AccountID,
		UserID:    row.UserID,
		Balance:   balance,
		Plan:      plan,
		Status:    ledger.SubscriptionStatus(row.SubscriptionStatus),
	}
	if row.CustomerID != nil {
		account.CustomerID = *row.CustomerID
	}
	if row.SubscriptionID != nil {
		account.SubscriptionID = *row.SubscriptionID
	}
	if row.MonthlyQuota != nil {
		account.MonthlyQuota = ledger.Credits(*row.MonthlyQuota)
	}
	account.PeriodStartUnixUTC = timeOrZero(row.PeriodStart)
	account.PeriodEndUnixUTC = timeOrZero(row.PeriodEnd)
	return account, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	credits, err := ledger.NewCredits(row.CreditsGranted)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		ExternalRef:    row.ExternalRef,
		AccountID:      row.AccountID,
		CreditsGranted: credits,
		AmountCents:    row.AmountCents,
		Currency:       row.Currency,
		Status:         ledger.TransactionStatus(row.Status),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullableInt64(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func nullableTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
