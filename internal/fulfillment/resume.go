package fulfillment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
)

// recover continues a purchase whose previous holder's lease expired. Persisted state decides
// where to pick up: nothing is repeated that already happened.
func (o *Orchestrator) recover(ctx context.Context, p *purchase) (*PurchaseResult, error) {
	const op = "fulfillment.Purchase"
	ord, err := o.orders.Get(ctx, p.orderID)
	if err != nil {
		p.keepLease = true
		return nil, apperrors.E(apperrors.KindInternal, op, "load order", err).WithOrder(p.orderID)
	}

	if ord == nil {
		debit, err := o.ledger.Entry(ctx, p.req.BuyerID, ledger.DebitEntryID(p.orderID))
		if err != nil {
			p.keepLease = true
			return nil, apperrors.E(apperrors.KindInternal, op, "check ledger", err).WithOrder(p.orderID)
		}
		if debit == nil {
			p.log.Info("previous attempt stopped before the debit, starting over")
			return o.run(ctx, p)
		}
		// debited without an order record: undo rather than guess at the supplier step
		p.final = true
		if _, err := o.refund(context.WithoutCancel(ctx), p.req.BuyerID, p.orderID, -debit.Delta, "interrupted before order record"); err != nil {
			p.log.Error("refund interrupted purchase", zap.Error(err))
			return nil, apperrors.E(apperrors.KindPartialFailure, op, "purchase interrupted; refund pending reconciliation", err).WithOrder(p.orderID)
		}
		return nil, apperrors.E(apperrors.KindInternal, op, "purchase was interrupted; balance restored", nil).WithOrder(p.orderID)
	}

	p.final = true
	p.total = ord.Total
	p.status = ord.Status
	p.externalID = ord.ExternalOrderID
	p.extSaved = ord.ExternalOrderID != ""
	p.log.Warn("resuming interrupted purchase", zap.String("status", string(ord.Status)))

	switch ord.Status {
	case orders.StatusCompleted:
		return resultOf(ord), nil
	case orders.StatusCredentials:
		return o.finish(ctx, ord.OrderID, p.req.Meta)
	case orders.StatusBalanceReserved:
		// the supplier was never asked: safe to continue
		return o.execute(ctx, p, true)
	case orders.StatusPurchaseRequested, orders.StatusPartialFailure:
		if ord.ExternalOrderID == "" {
			p.reason = "interrupted during supplier request"
			return nil, o.hold(context.WithoutCancel(ctx), p, nil)
		}
		return o.resume(ctx, ord, p.req.Meta)
	default:
		return nil, apperrors.E(apperrors.KindSupplierError, op, "order was not fulfilled; balance restored", nil).WithOrder(ord.OrderID)
	}
}

// ResumeFulfillment retries credential retrieval for an order whose supplier purchase is known.
// The balance is never touched.
func (o *Orchestrator) ResumeFulfillment(ctx context.Context, orderID string) (*PurchaseResult, error) {
	const op = "fulfillment.ResumeFulfillment"
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "load order", err).WithOrder(orderID)
	}
	if ord == nil {
		return nil, apperrors.E(apperrors.KindNotFound, op, "order not found", nil)
	}

	switch {
	case ord.Status == orders.StatusCompleted:
		return resultOf(ord), nil
	case ord.Status == orders.StatusCredentials:
		return o.finish(ctx, orderID, fraud.ActorMeta{})
	case ord.Retriable():
		return o.resume(ctx, ord, fraud.ActorMeta{})
	case ord.Status == orders.StatusPartialFailure || ord.Status == orders.StatusPurchaseRequested:
		return nil, apperrors.E(apperrors.KindPartialFailure, op, "supplier order id unknown; manual reconciliation required", nil).WithOrder(orderID)
	default:
		return nil, apperrors.E(apperrors.KindValidation, op, "order is "+string(ord.Status)+" and cannot be resumed", nil).WithOrder(orderID)
	}
}

func (o *Orchestrator) resume(ctx context.Context, ord *orders.Order, meta fraud.ActorMeta) (*PurchaseResult, error) {
	const op = "fulfillment.ResumeFulfillment"
	log := o.logger.With(zap.String("order_id", ord.OrderID), zap.String("external_order_id", ord.ExternalOrderID))

	attempts, err := o.orders.IncrementAttempts(ctx, ord.OrderID)
	if err != nil {
		log.Warn("increment fulfillment attempts", zap.Error(err))
	}

	creds, err := o.supplier.PollCredentials(ctx, ord.ExternalOrderID)
	if err != nil {
		reason := "credentials not retrieved: " + err.Error()
		if ord.Status == orders.StatusPurchaseRequested {
			if uerr := o.orders.UpdateStatus(ctx, ord.OrderID, ord.Status, orders.StatusPartialFailure, orders.WithFailure(reason)); uerr != nil {
				log.Warn("mark order partial failure", zap.Error(uerr))
			}
		}
		log.Warn("fulfillment retry failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, apperrors.E(apperrors.KindPartialFailure, op, "delivery still pending; retry later", err).WithOrder(ord.OrderID)
	}

	err = o.orders.UpdateStatus(ctx, ord.OrderID, ord.Status, orders.StatusCredentials, orders.WithCredentials(creds))
	if err != nil {
		if !errors.Is(err, orders.ErrStatusMismatch) {
			return nil, apperrors.E(apperrors.KindInternal, op, "store credentials", err).WithOrder(ord.OrderID)
		}
		cur, gerr := o.orders.Get(ctx, ord.OrderID)
		if gerr != nil || cur == nil {
			return nil, apperrors.E(apperrors.KindInternal, op, "reload order", gerr).WithOrder(ord.OrderID)
		}
		if cur.Status != orders.StatusCredentials && cur.Status != orders.StatusCompleted {
			return nil, apperrors.E(apperrors.KindInternal, op, "order moved to "+string(cur.Status)+" during retry", nil).WithOrder(ord.OrderID)
		}
	}
	log.Info("fulfillment resumed", zap.Int("attempts", attempts))
	return o.finish(ctx, ord.OrderID, meta)
}

// Refund returns an undelivered order's total to the buyer and marks it REFUNDED. The status
// moves first so a concurrent delivery cannot complete a refunded order; calling Refund again
// finishes a refund whose credit failed.
func (o *Orchestrator) Refund(ctx context.Context, orderID, reason string) (*PurchaseResult, error) {
	const op = "fulfillment.Refund"
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "load order", err).WithOrder(orderID)
	}
	if ord == nil {
		return nil, apperrors.E(apperrors.KindNotFound, op, "order not found", nil)
	}
	if reason == "" {
		reason = "administrative refund"
	}

	switch ord.Status {
	case orders.StatusCompleted, orders.StatusCredentials:
		return nil, apperrors.E(apperrors.KindValidation, op, "order was delivered and cannot be refunded", nil).WithOrder(orderID)
	case orders.StatusRefunded, orders.StatusSupplierError:
	default:
		if err := o.orders.UpdateStatus(ctx, orderID, ord.Status, orders.StatusRefunded, orders.WithFailure(reason)); err != nil {
			if errors.Is(err, orders.ErrStatusMismatch) {
				return nil, apperrors.E(apperrors.KindIdempotencyConflict, op, "order changed concurrently, retry", err).WithOrder(orderID)
			}
			return nil, apperrors.E(apperrors.KindInternal, op, "mark order refunded", err).WithOrder(orderID)
		}
		ord.Status = orders.StatusRefunded
		ord.FailureReason = reason
	}

	credited, err := o.refund(ctx, ord.BuyerID, orderID, ord.Total, reason)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "credit refund", err).WithOrder(orderID)
	}
	if credited {
		o.count(ctx, "OrderRefunded", 1)
	}
	res := resultOf(ord)
	res.Credentials = ""
	return res, nil
}
