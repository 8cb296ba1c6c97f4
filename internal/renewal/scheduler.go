package renewal

import (
	"context"
	"time"

	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
)

// Outcome of one account's renewal pass.
const (
	OutcomeSucceeded = "success"
	OutcomeFailed    = "failed"
)

// AccountResult reports one account's renewal outcome.
type AccountResult struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	Plan      string `json:"plan"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes one scheduler invocation.
type Report struct {
	Processed int             `json:"processed"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Results   []AccountResult `json:"per_account_results"`
}

// Scheduler resets balances at billing-period boundaries. Every pass is
// idempotent per account, so overlapping invocations are harmless.
type Scheduler struct {
	store    ledger.Store
	nowFn    func() int64
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewScheduler wires a Scheduler.
func NewScheduler(store ledger.Store, now func() int64, logger *zap.Logger, interval, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		nowFn:    now,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Run executes RunOnce on a fixed cadence until ctx is cancelled. Each tick
// carries its own deadline; accounts already renewed when a deadline hits
// stay renewed, the rest are picked up on the next tick.
func (scheduler *Scheduler) Run(ctx context.Context) {
	scheduler.logger.Info("renewal scheduler started",
		zap.Duration("interval", scheduler.interval))
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			scheduler.logger.Info("renewal scheduler stopped")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, scheduler.timeout)
			report, err := scheduler.RunOnce(tickCtx)
			cancel()
			if err != nil {
				scheduler.logger.Error("renewal pass failed", zap.Error(err))
				continue
			}
			scheduler.logger.Info("renewal pass complete",
				zap.Int("processed", report.Processed),
				zap.Int("succeeded", report.Succeeded),
				zap.Int("failed", report.Failed))
		}
	}
}

// RunOnce executes one renewal pass and returns the per-account report.
// Unlimited active accounts are refreshed unconditionally as a safety net
// against ledger drift; metered accounts reset to quota only once their
// period has elapsed, forfeiting unused credits. One account's failure never
// aborts the rest.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	now := scheduler.nowFn()
	report := Report{Results: []AccountResult{}}

	unlimited, err := scheduler.store.ListActiveUnlimited(ctx)
	if err != nil {
		return report, err
	}
	for _, account := range unlimited {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		scheduler.renewAccount(ctx, account, scheduler.unlimitedChange(account, now), &report)
	}

	expired, err := scheduler.store.ListExpiredMetered(ctx, now)
	if err != nil {
		return report, err
	}
	for _, account := range expired {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		change, changeErr := scheduler.meteredChange(account, now)
		if changeErr != nil {
			report.Processed++
			report.Failed++
			report.Results = append(report.Results, AccountResult{
				AccountID: account.AccountID,
				UserID:    account.UserID,
				Plan:      account.Plan.String(),
				Outcome:   OutcomeFailed,
				Error:     changeErr.Error(),
			})
			continue
		}
		scheduler.renewAccount(ctx, account, change, &report)
	}
	return report, nil
}

func (scheduler *Scheduler) renewAccount(ctx context.Context, account ledger.Account, change ledger.SubscriptionChange, report *Report) {
	report.Processed++
	result := AccountResult{
		AccountID: account.AccountID,
		UserID:    account.UserID,
		Plan:      account.Plan.String(),
		Outcome:   OutcomeSucceeded,
	}
	err := func() error {
		accountID, err := ledger.NewAccountID(account.AccountID)
		if err != nil {
			return err
		}
		return scheduler.store.ApplySubscription(ctx, accountID, change)
	}()
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		report.Failed++
		scheduler.logger.Error("account renewal failed",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	} else {
		report.Succeeded++
	}
	report.Results = append(report.Results, result)
}

func (scheduler *Scheduler) unlimitedChange(account ledger.Account, nowUnixUTC int64) ledger.SubscriptionChange {
	balance := ledger.Unlimited
	return ledger.SubscriptionChange{
		Plan:               ledger.PlanUnlimited,
		Status:             ledger.SubscriptionActive,
		SubscriptionID:     account.SubscriptionID,
		Balance:            &balance,
		PeriodStartUnixUTC: nowUnixUTC,
	}
}

func (scheduler *Scheduler) meteredChange(account ledger.Account, nowUnixUTC int64) (ledger.SubscriptionChange, error) {
	quota, err := ledger.NewCredits(account.MonthlyQuota.Int64())
	if err != nil {
		return ledger.SubscriptionChange{}, err
	}
	balance := ledger.Balance(quota)
	return ledger.SubscriptionChange{
		Plan:               account.Plan,
		Status:             ledger.SubscriptionActive,
		SubscriptionID:     account.SubscriptionID,
		Balance:            &balance,
		MonthlyQuota:       quota,
		PeriodStartUnixUTC: nowUnixUTC,
		PeriodEndUnixUTC:   addOneMonth(nowUnixUTC),
	}, nil
}

func addOneMonth(nowUnixUTC int64) int64 {
	return time.Unix(nowUnixUTC, 0).UTC().AddDate(0, 1, 0).Unix()
}
