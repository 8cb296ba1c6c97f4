package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const (
	testUserIDValue    = "user-1"
	testAccountIDValue = "acct-1"
	errStoreMessage    = "store error"
	mismatchMessage    = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

// stubStore implements Store with configurable results so Service logic can
// be exercised without a database.
type stubStore struct {
	account         Account
	getAccountError error
	debitResult     bool
	debitError      error
	addResult       bool
	addError        error
	insertError     error

	debitedAmounts []Credits
	addedAmounts   []Credits
	inserted       []Transaction
	transactions   []Transaction
}

func newStubStore(test *testing.T, balance Balance) *stubStore {
	test.Helper()
	return &stubStore{
		account: Account{
			AccountID: testAccountIDValue,
			UserID:    testUserIDValue,
			Balance:   balance,
			Plan:      PlanNone,
			Status:    SubscriptionNone,
		},
		debitResult: true,
		addResult:   true,
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(ctx context.Context, userID UserID) (Account, error) {
	return store.account, nil
}

func (store *stubStore) GetAccountByUserID(ctx context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	return store.account, nil
}

func (store *stubStore) GetAccountByID(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccountByUserID(ctx, UserID{})
}

func (store *stubStore) GetAccountByCustomerID(ctx context.Context, customerID string) (Account, error) {
	return store.GetAccountByUserID(ctx, UserID{})
}

func (store *stubStore) SetCustomerID(ctx context.Context, accountID AccountID, customerID string) error {
	return nil
}

func (store *stubStore) AddCredits(ctx context.Context, accountID AccountID, amount Credits) (bool, error) {
	if store.addError != nil {
		return false, store.addError
	}
	store.addedAmounts = append(store.addedAmounts, amount)
	return store.addResult, nil
}

func (store *stubStore) DebitCredits(ctx context.Context, accountID AccountID, amount Credits) (bool, error) {
	if store.debitError != nil {
		return false, store.debitError
	}
	store.debitedAmounts = append(store.debitedAmounts, amount)
	return store.debitResult, nil
}

func (store *stubStore) ApplySubscription(ctx context.Context, accountID AccountID, change SubscriptionChange) error {
	return nil
}

func (store *stubStore) ClearSubscription(ctx context.Context, accountID AccountID, status SubscriptionStatus) error {
	return nil
}

func (store *stubStore) TransactionExists(ctx context.Context, ref ExternalRef) (bool, error) {
	return false, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.insertError != nil {
		return store.insertError
	}
	store.inserted = append(store.inserted, transaction)
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	return store.transactions, nil
}

func (store *stubStore) CreditValue(ctx context.Context, priceID string, productID string) (Credits, error) {
	return 0, ErrMappingNotFound
}

func (store *stubStore) UpsertProductMapping(ctx context.Context, mapping ProductMapping) error {
	return nil
}

func (store *stubStore) ListActiveUnlimited(ctx context.Context) ([]Account, error) {
	return nil, nil
}

func (store *stubStore) ListExpiredMetered(ctx context.Context, nowUnixUTC int64) ([]Account, error) {
	return nil, nil
}

func (store *stubStore) AppendIngress(ctx context.Context, record IngressRecord) (int64, error) {
	return 0, nil
}

func (store *stubStore) MarkIngressProcessed(ctx context.Context, ingressID int64, processingError string) error {
	return nil
}

type capturingLogger struct {
	entries []OperationLog
}

func (logger *capturingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return userID
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	credits, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	return credits
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewService(newStubStore(test, 0), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestSpendDebitsFiniteBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(10))
	service := mustNewService(test, store)

	err := service.Spend(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 3))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(store.debitedAmounts) != 1 || store.debitedAmounts[0].Int64() != 3 {
		test.Fatalf("expected one debit of 3, got %v", store.debitedAmounts)
	}
}

func TestSpendInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(1))
	store.debitResult = false
	service := mustNewService(test, store)

	err := service.Spend(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 5))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(mismatchMessage, ErrInsufficientBalance, err)
	}
}

func TestSpendUnlimitedNeverDebits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Unlimited)
	service := mustNewService(test, store)

	err := service.Spend(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 1000))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(store.debitedAmounts) != 0 {
		test.Fatalf("expected no debits against the unlimited balance, got %v", store.debitedAmounts)
	}
}

func TestSpendReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name:      "account lookup error",
			configure: func(store *stubStore) { store.getAccountError = errStoreFailure },
		},
		{
			name:      "debit error",
			configure: func(store *stubStore) { store.debitError = errStoreFailure },
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test, Balance(10))
			testCase.configure(store)
			service := mustNewService(test, store)

			err := service.Spend(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 1))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(mismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestGrantWritesAuditRowAndCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(5))
	service := mustNewService(test, store)

	err := service.Grant(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 7), "support comp")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 1 {
		test.Fatalf("expected one audit row, got %d", len(store.inserted))
	}
	row := store.inserted[0]
	if !strings.HasPrefix(row.ExternalRef, manualRefPrefix) {
		test.Fatalf("expected manual reference prefix, got %q", row.ExternalRef)
	}
	if row.Status != TransactionSucceeded {
		test.Fatalf(mismatchMessage, TransactionSucceeded, row.Status)
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
		test.Fatalf("metadata is not valid JSON: %v", err)
	}
	if metadata["reason"] != "support comp" {
		test.Fatalf("expected reason in metadata, got %v", metadata)
	}
	if len(store.addedAmounts) != 1 || store.addedAmounts[0].Int64() != 7 {
		test.Fatalf("expected one credit of 7, got %v", store.addedAmounts)
	}
}

func TestGrantUnlimitedIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Unlimited)
	service := mustNewService(test, store)

	err := service.Grant(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 7), "comp")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 0 || len(store.addedAmounts) != 0 {
		test.Fatal("expected no writes for the unlimited balance")
	}
}

func TestGrantReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(0))
	store.insertError = errStoreFailure
	service := mustNewService(test, store)

	err := service.Grant(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 1), "comp")
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(mismatchMessage, errStoreFailure, err)
	}
}

func TestBalanceReturnsStoredBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(42))
	service := mustNewService(test, store)

	balance, err := service.Balance(context.Background(), mustUserID(test, testUserIDValue))
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if balance.Credits().Int64() != 42 {
		test.Fatalf("expected 42, got %d", balance.Credits().Int64())
	}
}

func TestBalanceEmitsOperationLog(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(42))
	logger := &capturingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Balance(context.Background(), mustUserID(test, testUserIDValue)); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationBalance {
		test.Fatalf(mismatchMessage, operationBalance, entry.Operation)
	}
	if entry.Status != operationStatusOK {
		test.Fatalf(mismatchMessage, operationStatusOK, entry.Status)
	}
}

func TestOperationLoggerReceivesOutcomes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, Balance(10))
	store.debitResult = false
	logger := &capturingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	_ = service.Spend(context.Background(), mustUserID(test, testUserIDValue), mustCredits(test, 5))
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationSpend {
		test.Fatalf(mismatchMessage, operationSpend, entry.Operation)
	}
	if entry.Status != operationStatusError {
		test.Fatalf(mismatchMessage, operationStatusError, entry.Status)
	}
	if !errors.Is(entry.Error, ErrInsufficientBalance) {
		test.Fatalf(mismatchMessage, ErrInsufficientBalance, entry.Error)
	}
}
