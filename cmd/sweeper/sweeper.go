package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/deposits"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
)

// DepositSweeper is satisfied by *deposits.Reconciler.
type DepositSweeper interface {
	RetryPendingDeposits(ctx context.Context, opts deposits.SweepOptions) (*deposits.SweepReport, error)
	VerifyCompleted(ctx context.Context, since time.Time, limit int) ([]deposits.Violation, error)
}

// OrderReconciler is satisfied by *fulfillment.Reconciler.
type OrderReconciler interface {
	Run(ctx context.Context, opts fulfillment.ReconcileOptions) (*fulfillment.ReconcileReport, error)
}

// Sweeper runs every background repair in one invocation.
type Sweeper struct {
	Deposits       DepositSweeper
	Orders         OrderReconciler
	DepositOptions deposits.SweepOptions
	OrderOptions   fulfillment.ReconcileOptions
	VerifyLookback time.Duration
	Logger         *zap.Logger
}

// Report is returned to the scheduler and logged.
type Report struct {
	Deposits   *deposits.SweepReport        `json:"deposits,omitempty"`
	Orders     *fulfillment.ReconcileReport `json:"orders,omitempty"`
	Violations []deposits.Violation         `json:"violations,omitempty"`
}

// Run executes the deposit sweep, the order reconciliation and the completed-deposit audit. A
// failing step does not stop the others; their errors are joined.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	var (
		report Report
		errs   []error
	)

	dep, err := s.Deposits.RetryPendingDeposits(ctx, s.DepositOptions)
	if err != nil {
		s.Logger.Error("deposit sweep failed", zap.Error(err))
		errs = append(errs, err)
	}
	report.Deposits = dep

	ord, err := s.Orders.Run(ctx, s.OrderOptions)
	if err != nil {
		s.Logger.Error("order reconciliation failed", zap.Error(err))
		errs = append(errs, err)
	}
	report.Orders = ord

	lookback := s.VerifyLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	violations, err := s.Deposits.VerifyCompleted(ctx, time.Now().Add(-lookback), s.DepositOptions.LimitPerRun)
	if err != nil {
		s.Logger.Error("deposit verification failed", zap.Error(err))
		errs = append(errs, err)
	}
	report.Violations = violations
	if len(violations) > 0 {
		s.Logger.Error("completed deposits without ledger credit", zap.Int("count", len(violations)))
	}

	return &report, errors.Join(errs...)
}
