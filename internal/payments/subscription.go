package payments

import (
	"context"
	"errors"
	"time"

	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
)

// SubscriptionNotice is the normalized subscription lifecycle notification.
type SubscriptionNotice struct {
	SubscriptionID string
	CustomerID     string
	Status         string
	PlanKey        string
	EventID        string
}

// Synchronizer reacts to subscription lifecycle notifications and keeps the
// ledger's plan, period, and quota fields in step with the provider.
type Synchronizer struct {
	store  ledger.Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewSynchronizer wires a Synchronizer.
func NewSynchronizer(store ledger.Store, now func() int64, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: store, nowFn: now, logger: logger}
}

// Upsert applies a subscription created/updated notification. Metered plans
// are topped up to quota immediately, an explicit product decision: a new or
// changed subscription starts with a full month of credits.
func (synchronizer *Synchronizer) Upsert(ctx context.Context, notice SubscriptionNotice) error {
	account, err := synchronizer.store.GetAccountByCustomerID(ctx, notice.CustomerID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		synchronizer.logger.Info("subscription for unknown customer skipped",
			zap.String("customer_id", notice.CustomerID),
			zap.String("subscription_id", notice.SubscriptionID))
		return nil
	}
	if err != nil {
		return err
	}

	spec, err := resolvePlan(notice.PlanKey)
	if err != nil {
		synchronizer.logger.Warn("subscription plan not mapped",
			zap.String("customer_id", notice.CustomerID),
			zap.String("plan_key", notice.PlanKey))
		return err
	}

	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return err
	}
	now := synchronizer.nowFn()
	change := ledger.SubscriptionChange{
		Plan:           spec.plan,
		Status:         mapProviderStatus(notice.Status),
		SubscriptionID: notice.SubscriptionID,
	}
	if spec.unlimited {
		balance := ledger.Unlimited
		change.Balance = &balance
		change.PeriodStartUnixUTC = now
	} else {
		balance := ledger.Balance(spec.quota)
		change.Balance = &balance
		change.MonthlyQuota = spec.quota
		change.PeriodStartUnixUTC = now
		change.PeriodEndUnixUTC = addOneMonth(now)
	}

	err = synchronizer.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.ApplySubscription(ctx, accountID, change)
	})
	if err != nil {
		return err
	}
	synchronizer.logger.Info("subscription synchronized",
		zap.String("account_id", account.AccountID),
		zap.String("plan", spec.plan.String()),
		zap.String("status", change.Status.String()))
	return nil
}

// Remove applies a subscription deleted notification. The provider reference
// is cleared; the remaining balance is not clawed back.
func (synchronizer *Synchronizer) Remove(ctx context.Context, notice SubscriptionNotice) error {
	account, err := synchronizer.store.GetAccountByCustomerID(ctx, notice.CustomerID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		synchronizer.logger.Info("subscription deletion for unknown customer skipped",
			zap.String("customer_id", notice.CustomerID))
		return nil
	}
	if err != nil {
		return err
	}
	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return err
	}
	if err := synchronizer.store.ClearSubscription(ctx, accountID, ledger.SubscriptionCanceled); err != nil {
		return err
	}
	synchronizer.logger.Info("subscription canceled",
		zap.String("account_id", account.AccountID),
		zap.String("subscription_id", notice.SubscriptionID))
	return nil
}

// mapProviderStatus folds trialing into active; other provider statuses pass
// through unchanged.
func mapProviderStatus(raw string) ledger.SubscriptionStatus {
	switch raw {
	case "trialing", "active":
		return ledger.SubscriptionActive
	default:
		return ledger.SubscriptionStatus(raw)
	}
}

func addOneMonth(nowUnixUTC int64) int64 {
	return time.Unix(nowUnixUTC, 0).UTC().AddDate(0, 1, 0).Unix()
}
