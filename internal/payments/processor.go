package payments

import (
	"context"
	"errors"

	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
)

// errNoIdentity marks a notification carrying neither an account hint nor a
// customer id. Characteristic of synthetic test events; skipped silently.
var errNoIdentity = errors.New("no account identity")

// PaymentNotice is the normalized payment-success notification handed to the
// processor by the webhook dispatcher.
type PaymentNotice struct {
	ExternalRef string
	AccountHint string
	CustomerID  string
	PriceID     string
	ProductID   string
	AmountCents int64
	Currency    string
	EventID     string
}

// Processor applies payment-success notifications to the ledger. The
// idempotency check, the audit insert, and the balance increment run as one
// store transaction per external reference; the unique constraint on the
// reference resolves concurrent duplicate deliveries.
type Processor struct {
	store  ledger.Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(store ledger.Store, now func() int64, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, nowFn: now, logger: logger}
}

// ApplyPayment reconciles one payment-success notification. Duplicate
// deliveries return nil without mutation. ErrAccountNotFound and
// ErrMappingNotFound surface to the caller for audit logging; the caller
// still acknowledges the notification.
func (processor *Processor) ApplyPayment(ctx context.Context, notice PaymentNotice) error {
	ref, err := ledger.NewExternalRef(notice.ExternalRef)
	if err != nil {
		return err
	}
	return processor.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		exists, err := txStore.TransactionExists(ctx, ref)
		if err != nil {
			return err
		}
		if exists {
			processor.logger.Info("duplicate payment notification ignored",
				zap.String("external_ref", ref.String()),
				zap.String("event_id", notice.EventID))
			return nil
		}

		account, err := processor.resolveAccount(ctx, txStore, notice)
		if errors.Is(err, errNoIdentity) {
			processor.logger.Info("payment notification without account identity skipped",
				zap.String("external_ref", ref.String()),
				zap.String("event_id", notice.EventID))
			return nil
		}
		if err != nil {
			return err
		}

		credits, err := txStore.CreditValue(ctx, notice.PriceID, notice.ProductID)
		if err != nil {
			return err
		}

		if account.Balance.IsUnlimited() {
			processor.logger.Info("grant skipped for unlimited account",
				zap.String("account_id", account.AccountID),
				zap.String("external_ref", ref.String()))
			return nil
		}

		accountID, err := ledger.NewAccountID(account.AccountID)
		if err != nil {
			return err
		}
		// The insert runs in its own nested transaction (a savepoint inside
		// the enclosing one), so a unique violation from a concurrent
		// delivery rolls back to the savepoint instead of aborting the
		// whole transaction on postgres.
		insertErr := txStore.WithTx(ctx, func(ctx context.Context, insertStore ledger.Store) error {
			return insertStore.InsertTransaction(ctx, ledger.Transaction{
				ExternalRef:    ref.String(),
				AccountID:      account.AccountID,
				CreditsGranted: credits,
				AmountCents:    notice.AmountCents,
				Currency:       notice.Currency,
				Status:         ledger.TransactionSucceeded,
				CreatedUnixUTC: processor.nowFn(),
			})
		})
		if errors.Is(insertErr, ledger.ErrDuplicateExternalRef) {
			// A concurrent delivery won the insert race; this one is a
			// successful duplicate.
			processor.logger.Info("concurrent duplicate payment notification ignored",
				zap.String("external_ref", ref.String()))
			return nil
		}
		if insertErr != nil {
			return insertErr
		}

		if _, err := txStore.AddCredits(ctx, accountID, credits); err != nil {
			return err
		}
		processor.logger.Info("credits granted",
			zap.String("account_id", account.AccountID),
			zap.String("external_ref", ref.String()),
			zap.Int64("credits", credits.Int64()))
		return nil
	})
}

// RecordFailedPayment writes an audit entry for a payment-failed
// notification. No ledger mutation; the account lookup is best effort.
func (processor *Processor) RecordFailedPayment(ctx context.Context, notice PaymentNotice) error {
	fields := []zap.Field{
		zap.String("external_ref", notice.ExternalRef),
		zap.String("event_id", notice.EventID),
		zap.Int64("amount_cents", notice.AmountCents),
	}
	if notice.CustomerID != "" {
		if account, err := processor.store.GetAccountByCustomerID(ctx, notice.CustomerID); err == nil {
			fields = append(fields, zap.String("account_id", account.AccountID))
		}
	}
	processor.logger.Warn("payment failed", fields...)
	return nil
}

// resolveAccount prefers the metadata account hint, then the provider
// customer id. A hint or customer id naming an unknown account is an anomaly
// worth surfacing; a notification with neither is not.
func (processor *Processor) resolveAccount(ctx context.Context, txStore ledger.Store, notice PaymentNotice) (ledger.Account, error) {
	if notice.AccountHint != "" {
		accountID, err := ledger.NewAccountID(notice.AccountHint)
		if err != nil {
			return ledger.Account{}, err
		}
		account, err := txStore.GetAccountByID(ctx, accountID)
		if err != nil {
			return ledger.Account{}, err
		}
		if account.CustomerID == "" && notice.CustomerID != "" {
			if err := txStore.SetCustomerID(ctx, accountID, notice.CustomerID); err != nil {
				processor.logger.Warn("customer id backfill failed",
					zap.String("account_id", account.AccountID),
					zap.Error(err))
			} else {
				account.CustomerID = notice.CustomerID
			}
		}
		return account, nil
	}
	if notice.CustomerID != "" {
		return txStore.GetAccountByCustomerID(ctx, notice.CustomerID)
	}
	return ledger.Account{}, errNoIdentity
}
