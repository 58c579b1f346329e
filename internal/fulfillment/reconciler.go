package fulfillment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
)

const defaultLookback = 24 * time.Hour

// Reconciler repairs purchases that a crash or an outage left between states. Every repair is
// idempotent, so overlapping runs are safe.
type Reconciler struct {
	orch    *Orchestrator
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewReconciler returns a Reconciler that repairs through orch.
func NewReconciler(orch *Orchestrator, logger *zap.Logger) *Reconciler {
	return &Reconciler{orch: orch, logger: logger, nowFunc: time.Now}
}

// Run performs one pass:
//   - purchase debits with no order record are credited back
//   - orders stuck in BALANCE_RESERVED are marked SUPPLIER_ERROR and refunded
//   - SUPPLIER_ERROR and REFUNDED orders whose refund credit never landed are credited
//   - orders stuck in SUPPLIER_PURCHASE_REQUESTED are parked in PARTIAL_FAILURE
//   - PARTIAL_FAILURE orders with a supplier order id are queued for another delivery attempt
//   - CREDENTIALS_RETRIEVED orders are completed
func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	const op = "fulfillment.Reconciler.Run"
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	now := r.nowFunc()
	cutoff := now.Add(-opts.Grace)
	report := &ReconcileReport{}

	passes := []func(context.Context, time.Time, time.Time, ReconcileOptions, *ReconcileReport) error{
		r.orphanDebits,
		r.stuckReserved,
		r.missingRefunds,
		r.stuckRequested,
		r.partialFailures,
		r.unfinished,
	}
	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := pass(ctx, now, cutoff, opts, report); err != nil {
			return report, apperrors.E(apperrors.KindInternal, op, "reconciliation pass", err)
		}
	}

	r.logger.Info("order reconciliation finished",
		zap.Int("orphan_debits_refunded", report.OrphanDebitsRefunded),
		zap.Int("stuck_reserved_refunded", report.StuckReservedRefund),
		zap.Int("missing_refunds_credited", report.MissingRefunds),
		zap.Int("stuck_requested_held", report.StuckRequested),
		zap.Int("requeued", report.Requeued),
		zap.Int("completed", report.Completed),
		zap.Int("manual_review", report.ManualReview),
		zap.Int("errors", report.Errors))
	r.orch.count(ctx, "OrphanDebitRefunded", report.OrphanDebitsRefunded)
	r.orch.count(ctx, "StuckOrderRefunded", report.StuckReservedRefund)
	r.orch.count(ctx, "MissingRefundCredited", report.MissingRefunds)
	r.orch.count(ctx, "FulfillmentRequeued", report.Requeued)
	r.orch.count(ctx, "OrderManualReview", report.ManualReview)
	return report, nil
}

// orphanDebits refunds debits whose order record never got written.
func (r *Reconciler) orphanDebits(ctx context.Context, now, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	debits, err := r.orch.ledger.EntriesByKind(ctx, ledger.KindPurchaseDebit, now.Add(-opts.Lookback), cutoff, opts.Limit)
	if err != nil {
		return err
	}
	for _, e := range debits {
		ord, err := r.orch.orders.Get(ctx, e.Reference)
		if err != nil {
			report.Errors++
			r.logger.Error("load order for debit", zap.String("order_id", e.Reference), zap.Error(err))
			continue
		}
		if ord != nil {
			continue
		}
		credited, err := r.orch.refund(ctx, e.UserID, e.Reference, -e.Delta, "orphan debit: no order record")
		if err != nil {
			report.Errors++
			r.logger.Error("refund orphan debit", zap.String("order_id", e.Reference), zap.Error(err))
			continue
		}
		if credited {
			report.OrphanDebitsRefunded++
			r.logger.Warn("orphan debit refunded",
				zap.String("order_id", e.Reference),
				zap.String("user_id", e.UserID),
				zap.String("amount", (-e.Delta).String()))
		}
	}
	return nil
}

// stuckReserved refunds orders that never reached the supplier. The status moves first: an order
// a retry has already carried past BALANCE_RESERVED is left alone.
func (r *Reconciler) stuckReserved(ctx context.Context, _, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	stuck, err := r.orch.orders.ListByStatus(ctx, orders.StatusBalanceReserved, cutoff, opts.Limit)
	if err != nil {
		return err
	}
	for i := range stuck {
		ord := &stuck[i]
		log := r.logger.With(zap.String("order_id", ord.OrderID))
		const reason = "stuck before supplier request"
		err := r.orch.orders.UpdateStatus(ctx, ord.OrderID, orders.StatusBalanceReserved, orders.StatusSupplierError, orders.WithFailure(reason))
		switch {
		case errors.Is(err, orders.ErrStatusMismatch):
			log.Info("stuck order moved on, skipping refund")
			continue
		case err != nil:
			report.Errors++
			log.Error("mark stuck order supplier error", zap.Error(err))
			continue
		}
		// a failed credit here is retried by missingRefunds
		if _, err := r.orch.refund(ctx, ord.BuyerID, ord.OrderID, ord.Total, reason); err != nil {
			report.Errors++
			log.Error("refund stuck order", zap.Error(err))
			continue
		}
		report.StuckReservedRefund++
		log.Warn("stuck order refunded", zap.String("user_id", ord.BuyerID))
	}
	return nil
}

// missingRefunds credits orders that reached a refunded terminal state without their refund
// entry, which happens when the status write succeeded and the credit failed.
func (r *Reconciler) missingRefunds(ctx context.Context, now, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	since := now.Add(-opts.Lookback)
	for _, status := range []orders.Status{orders.StatusSupplierError, orders.StatusRefunded} {
		list, err := r.orch.orders.ListByStatusSince(ctx, status, since, cutoff, opts.Limit)
		if err != nil {
			return err
		}
		for i := range list {
			ord := &list[i]
			credited, err := r.orch.refund(ctx, ord.BuyerID, ord.OrderID, ord.Total, ord.FailureReason)
			if err != nil {
				report.Errors++
				r.logger.Error("credit missing refund", zap.String("order_id", ord.OrderID), zap.Error(err))
				continue
			}
			if credited {
				report.MissingRefunds++
				r.logger.Warn("missing refund credited", zap.String("order_id", ord.OrderID), zap.String("status", string(status)))
			}
		}
	}
	return nil
}

// stuckRequested handles orders whose supplier outcome was never recorded. An order already
// refunded by a compensation whose status write failed is moved to SUPPLIER_ERROR; everything
// else is parked in PARTIAL_FAILURE because the supplier may have acted.
func (r *Reconciler) stuckRequested(ctx context.Context, _, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	stuck, err := r.orch.orders.ListByStatus(ctx, orders.StatusPurchaseRequested, cutoff, opts.Limit)
	if err != nil {
		return err
	}
	for i := range stuck {
		ord := &stuck[i]
		log := r.logger.With(zap.String("order_id", ord.OrderID))
		refunded, err := r.orch.ledger.HasEntry(ctx, ord.BuyerID, ledger.RefundEntryID(ord.OrderID))
		if err != nil {
			report.Errors++
			log.Error("check refund entry", zap.Error(err))
			continue
		}
		next, reason := orders.StatusPartialFailure, "stuck after supplier request"
		if refunded {
			next, reason = orders.StatusSupplierError, "refunded after supplier failure"
		}
		err = r.orch.orders.UpdateStatus(ctx, ord.OrderID, orders.StatusPurchaseRequested, next, orders.WithFailure(reason))
		switch {
		case errors.Is(err, orders.ErrStatusMismatch):
			continue
		case err != nil:
			report.Errors++
			log.Error("move stuck order", zap.String("next", string(next)), zap.Error(err))
			continue
		}
		if refunded {
			continue
		}
		// picked up by the partial failure pass once it is past the grace period again
		report.StuckRequested++
		log.Warn("stuck order held in partial failure", zap.String("external_order_id", ord.ExternalOrderID))
	}
	return nil
}

// partialFailures queues another delivery attempt for each retriable PARTIAL_FAILURE order.
// Orders without a supplier order id or past the attempt budget need a human.
func (r *Reconciler) partialFailures(ctx context.Context, _, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	held, err := r.orch.orders.ListByStatus(ctx, orders.StatusPartialFailure, cutoff, opts.Limit)
	if err != nil {
		return err
	}
	for i := range held {
		ord := &held[i]
		if !ord.Retriable() || (opts.MaxAttempts > 0 && ord.Attempts >= opts.MaxAttempts) {
			report.ManualReview++
			r.logger.Warn("partial failure needs manual resolution",
				zap.String("order_id", ord.OrderID),
				zap.String("user_id", ord.BuyerID),
				zap.Int("attempts", ord.Attempts),
				zap.String("reason", ord.FailureReason))
			continue
		}
		if r.requeue(ctx, ord.OrderID, ord.FailureReason, report) {
			report.Requeued++
		}
	}
	return nil
}

// unfinished completes orders whose credentials were stored but whose final write failed.
func (r *Reconciler) unfinished(ctx context.Context, _, cutoff time.Time, opts ReconcileOptions, report *ReconcileReport) error {
	list, err := r.orch.orders.ListByStatus(ctx, orders.StatusCredentials, cutoff, opts.Limit)
	if err != nil {
		return err
	}
	for i := range list {
		res, err := r.orch.finish(ctx, list[i].OrderID, fraud.ActorMeta{})
		if err != nil {
			report.Errors++
			r.logger.Error("complete order", zap.String("order_id", list[i].OrderID), zap.Error(err))
			continue
		}
		if res.Status == orders.StatusCompleted {
			report.Completed++
		}
	}
	return nil
}

// requeue publishes a retry job. Without a queue the retry runs inline.
func (r *Reconciler) requeue(ctx context.Context, orderID, reason string, report *ReconcileReport) bool {
	err := r.orch.enqueue(ctx, orderID, reason)
	if errors.Is(err, errNoQueue) {
		if _, rerr := r.orch.ResumeFulfillment(ctx, orderID); rerr != nil {
			r.logger.Info("inline fulfillment retry failed", zap.String("order_id", orderID), zap.Error(rerr))
			return false
		}
		report.Completed++
		return false
	}
	if err != nil {
		report.Errors++
		r.logger.Error("enqueue fulfillment retry", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	return true
}
