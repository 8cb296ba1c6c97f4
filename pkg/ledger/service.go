package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the credit-consuming and credit-crediting operations over
// a Store. Webhook-driven grants live in the payment processor; Service
// carries the operations the rest of the product consumes.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateAccount registers a ledger account for a user.
func (service *Service) CreateAccount(ctx context.Context, userID UserID) (Account, error) {
	return service.store.CreateAccount(ctx, userID)
}

// Balance returns the account's current balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetAccountByUserID(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		UserID:    userID,
		Error:     err,
	})
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Spend debits a finite balance by amount. Unlimited accounts always
// succeed without mutation. The debit is a single conditional decrement, so
// concurrent spends for the same account can never drive the balance
// negative.
func (service *Service) Spend(ctx context.Context, userID UserID, amount Credits) error {
	operationError := func() error {
		account, err := service.store.GetAccountByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance.IsUnlimited() {
			return nil
		}
		accountID, err := NewAccountID(account.AccountID)
		if err != nil {
			return err
		}
		debited, err := service.store.DebitCredits(ctx, accountID, amount)
		if err != nil {
			return err
		}
		if !debited {
			return ErrInsufficientBalance
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	return operationError
}

// Grant credits an account for a support-driven manual adjustment. The
// generated external reference makes the audit row unique but callers get no
// idempotency protection; double-invoking Grant double-credits.
func (service *Service) Grant(ctx context.Context, userID UserID, amount Credits, reason string) error {
	externalRef := manualRefPrefix + uuid.NewString()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance.IsUnlimited() {
			return nil
		}
		accountID, err := NewAccountID(account.AccountID)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(map[string]string{"reason": reason})
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			ExternalRef:    externalRef,
			AccountID:      account.AccountID,
			CreditsGranted: amount,
			Status:         TransactionSucceeded,
			MetadataJSON:   string(metadata),
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		if _, err := transactionStore.AddCredits(ctx, accountID, amount); err != nil {
			return err
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrant,
		UserID:      userID,
		Amount:      amount,
		ExternalRef: externalRef,
		Reason:      reason,
		Error:       operationError,
	})
	return operationError
}

// ListTransactions returns the most recent grant audit rows for a user.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	account, err := service.store.GetAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	accountID, err := NewAccountID(account.AccountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
