package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/deposits"
	"github.com/imrishuroy/go-goods-ledger/internal/fulfillment"
)

type stubDeposits struct {
	sweepErr   error
	violations []deposits.Violation
	since      time.Time
}

func (s *stubDeposits) RetryPendingDeposits(context.Context, deposits.SweepOptions) (*deposits.SweepReport, error) {
	if s.sweepErr != nil {
		return nil, s.sweepErr
	}
	return &deposits.SweepReport{Scanned: 2, Processed: 1}, nil
}

func (s *stubDeposits) VerifyCompleted(_ context.Context, since time.Time, _ int) ([]deposits.Violation, error) {
	s.since = since
	return s.violations, nil
}

type stubOrders struct {
	runs int
}

func (s *stubOrders) Run(context.Context, fulfillment.ReconcileOptions) (*fulfillment.ReconcileReport, error) {
	s.runs++
	return &fulfillment.ReconcileReport{Requeued: 1}, nil
}

func TestSweeper_Run(t *testing.T) {
	dep := &stubDeposits{violations: []deposits.Violation{{DepositID: "d1"}}}
	ord := &stubOrders{}
	s := &Sweeper{Deposits: dep, Orders: ord, VerifyLookback: time.Hour, Logger: zap.NewNop()}

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Deposits.Processed != 1 || report.Orders.Requeued != 1 || len(report.Violations) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if time.Since(dep.since) < time.Hour-time.Minute {
		t.Fatalf("verification window too short: %s", dep.since)
	}
}

func TestSweeper_ContinuesAfterFailure(t *testing.T) {
	boom := errors.New("deposits table unavailable")
	ord := &stubOrders{}
	s := &Sweeper{Deposits: &stubDeposits{sweepErr: boom}, Orders: ord, Logger: zap.NewNop()}

	_, err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected sweep error, got %v", err)
	}
	if ord.runs != 1 {
		t.Fatal("order reconciliation skipped after deposit failure")
	}
}
