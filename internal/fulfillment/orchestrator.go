// Package fulfillment executes purchases end to end: live stock check, fraud screening, balance
// debit, supplier order and credential delivery. Every step after the debit can be recovered from
// the persisted order record and the ledger's per-order entry ids.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/audit"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/saga"
	"github.com/imrishuroy/go-goods-ledger/internal/supplier"
)

const (
	stepDebit       = "debit"
	stepRecord      = "record_order"
	stepSupplier    = "supplier_purchase"
	stepCredentials = "credentials"
)

// Deps are the orchestrator's collaborators. Queue, Metrics and Activity may be nil.
type Deps struct {
	Orders   *orders.Store
	Ledger   Ledger
	Supplier Supplier
	Fraud    FraudChecker
	Guard    Guard
	Queue    Queue
	Metrics  Metrics
	Activity fraud.Recorder
	Logger   *zap.Logger
}

// Orchestrator runs purchases.
type Orchestrator struct {
	orders   *orders.Store
	ledger   Ledger
	supplier Supplier
	fraud    FraudChecker
	guard    Guard
	queue    Queue
	metrics  Metrics
	activity fraud.Recorder
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		orders:   d.Orders,
		ledger:   d.Ledger,
		supplier: d.Supplier,
		fraud:    d.Fraud,
		guard:    d.Guard,
		queue:    d.Queue,
		metrics:  d.Metrics,
		activity: d.Activity,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// purchase is the working state of one attempt.
type purchase struct {
	req     PurchaseRequest
	orderID string
	log     *zap.Logger

	stock *supplier.Stock
	total money.Amount

	// status is the persisted order status; empty until the order record exists.
	status      orders.Status
	externalID  string
	extSaved    bool
	credentials string
	reason      string
	rejected    bool

	// final means the outcome is cached under the idempotency key; otherwise the key is released.
	final bool
	// keepLease leaves the key processing so a later caller takes it over.
	keepLease bool
}

type cachedError struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	OrderID string         `json:"order_id,omitempty"`
}

// Purchase buys req.Quantity units for req.BuyerID. A retry with the same idempotency key and the
// same request returns the recorded outcome without touching the balance or the supplier again.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	const op = "fulfillment.Purchase"
	if err := req.validate(); err != nil {
		return nil, apperrors.E(apperrors.KindValidation, op, err.Error(), nil)
	}
	orderID := OrderIDFor(req.BuyerID, req.IdempotencyKey)
	key := purchaseScope + ":" + req.BuyerID + ":" + req.IdempotencyKey

	begin, err := o.guard.CheckOrBegin(ctx, purchaseScope, key, req.fingerprint(), "")
	if err != nil {
		return nil, guardError(op, orderID, err)
	}
	if !begin.IsNew {
		return o.replay(ctx, begin.Cached, orderID)
	}

	p := &purchase{
		req:     req,
		orderID: orderID,
		log: o.logger.With(
			zap.String("order_id", orderID),
			zap.String("user_id", req.BuyerID),
			zap.String("product_id", req.ProductID),
			zap.String("idempotency_key", req.IdempotencyKey)),
	}
	var res *PurchaseResult
	if begin.TakenOver {
		res, err = o.recover(ctx, p)
	} else {
		res, err = o.run(ctx, p)
	}
	o.settleKey(ctx, key, begin.Owner, p, res, err)
	return res, err
}

func guardError(op, orderID string, err error) error {
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return apperrors.E(apperrors.KindValidation, op, "idempotency key reused with different request", err)
	case errors.Is(err, idempotency.ErrInvalidKey):
		return apperrors.E(apperrors.KindValidation, op, "invalid idempotency key", err)
	case errors.Is(err, idempotency.ErrConflict):
		return apperrors.E(apperrors.KindIdempotencyConflict, op, "purchase with this key is in progress", err).WithOrder(orderID)
	default:
		return apperrors.E(apperrors.KindInternal, op, "cannot guarantee idempotency", err)
	}
}

// replay turns a terminal idempotency record back into the original answer. The order record is
// authoritative when it exists: it carries the credentials, which are never cached.
func (o *Orchestrator) replay(ctx context.Context, rec *idempotency.Record, orderID string) (*PurchaseResult, error) {
	const op = "fulfillment.Purchase"
	if rec.Status == idempotency.StatusError {
		var ce cachedError
		if err := json.Unmarshal([]byte(rec.ResponseBody), &ce); err != nil {
			return nil, apperrors.E(apperrors.KindInternal, op, "decode cached outcome", err)
		}
		// a partial failure may have been resolved since
		if ce.OrderID != "" {
			if ord, err := o.orders.Get(ctx, ce.OrderID); err == nil && ord != nil && ord.Status == orders.StatusCompleted {
				res := resultOf(ord)
				res.Replayed = true
				return res, nil
			}
		}
		return nil, &apperrors.Error{Kind: ce.Kind, Op: op, OrderID: ce.OrderID, Message: ce.Message}
	}

	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "load order", err)
	}
	if ord != nil {
		res := resultOf(ord)
		res.Replayed = true
		return res, nil
	}
	var res PurchaseResult
	if err := json.Unmarshal([]byte(rec.ResponseBody), &res); err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "decode cached outcome", err)
	}
	res.Replayed = true
	return &res, nil
}

// settleKey records the outcome under the idempotency key, or releases the key when nothing
// happened that a retry could repeat.
func (o *Orchestrator) settleKey(ctx context.Context, key, owner string, p *purchase, res *PurchaseResult, err error) {
	if p.keepLease {
		return
	}
	gctx := context.WithoutCancel(ctx)
	var out idempotency.Outcome
	switch {
	case err != nil && !p.final:
		if rerr := o.guard.Release(gctx, key, owner); rerr != nil {
			p.log.Warn("release idempotency key failed", zap.Error(rerr))
		}
		return
	case err != nil:
		ce := cachedError{Kind: apperrors.KindOf(err), Message: err.Error(), OrderID: apperrors.OrderIDOf(err)}
		var ae *apperrors.Error
		if errors.As(err, &ae) && ae.Message != "" {
			ce.Message = ae.Message
		}
		body, _ := json.Marshal(ce)
		out = idempotency.Outcome{Status: idempotency.StatusError, ResponseBody: string(body), ErrorKind: string(ce.Kind)}
	default:
		stored := *res
		stored.Credentials = ""
		body, _ := json.Marshal(stored)
		out = idempotency.Outcome{Status: idempotency.StatusSuccess, ResponseBody: string(body)}
	}
	if cerr := o.guard.Complete(gctx, key, owner, out); cerr != nil {
		p.log.Error("complete idempotency key failed", zap.Error(cerr))
	}
}

// run executes a purchase from the beginning.
func (o *Orchestrator) run(ctx context.Context, p *purchase) (*PurchaseResult, error) {
	const op = "fulfillment.Purchase"
	req := p.req

	stock, err := o.supplier.VerifyStock(ctx, req.supplierRef())
	if err != nil {
		p.log.Info("purchase ended", zap.String("status", string(orders.StatusVerificationFailed)), zap.Error(err))
		if supplier.IsRejected(err) {
			return nil, apperrors.E(apperrors.KindValidation, op, "product could not be verified with the supplier", err)
		}
		return nil, apperrors.E(apperrors.KindSupplierUnavailable, op, "stock verification unavailable", err)
	}
	if req.Quantity > stock.Stock {
		p.log.Info("purchase ended", zap.String("status", string(orders.StatusVerificationFailed)), zap.Int("stock", stock.Stock))
		return nil, apperrors.E(apperrors.KindValidation, op,
			fmt.Sprintf("requested quantity %d exceeds available stock %d", req.Quantity, stock.Stock), nil)
	}
	total, err := stock.Price.MulInt(req.Quantity)
	if err != nil || total <= 0 {
		return nil, apperrors.E(apperrors.KindValidation, op, "supplier returned an unusable price", err)
	}
	p.stock, p.total = stock, total
	p.log.Debug("stock verified",
		zap.String("status", string(orders.StatusStockVerified)),
		zap.String("unit_price", stock.Price.String()),
		zap.String("total", total.String()))

	bal, err := o.ledger.Balance(ctx, req.BuyerID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "read balance", err)
	}
	if bal < total {
		return nil, o.insufficient(p, bal)
	}

	if err := o.screen(ctx, p); err != nil {
		p.final = true
		return nil, err
	}
	return o.execute(ctx, p, false)
}

func (o *Orchestrator) insufficient(p *purchase, bal money.Amount) error {
	p.log.Info("purchase ended",
		zap.String("status", string(orders.StatusInsufficientBalance)),
		zap.String("balance", bal.String()),
		zap.String("total", p.total.String()))
	return apperrors.E(apperrors.KindInsufficientBalance, "fulfillment.Purchase",
		fmt.Sprintf("balance %s is below order total %s", bal, p.total), nil)
}

// screen runs the primary fraud check and, if it trips, the secondary one. Only a purchase both
// flag is blocked.
func (o *Orchestrator) screen(ctx context.Context, p *purchase) error {
	req := p.req
	first := o.fraud.CheckPurchase(req.BuyerID, p.total, req.ProductID)
	if !first.Suspicious {
		return nil
	}
	second := o.fraud.SecondaryCheck(req.BuyerID, p.total, req.Meta)
	if !second.Suspicious {
		p.log.Info("purchase flagged by primary check, cleared by secondary", zap.Strings("reasons", first.Reasons))
		return nil
	}
	o.fraud.ReportBlock(req.BuyerID, p.total, req.ProductID, second)
	o.count(ctx, "FraudBlocked", 1)
	p.log.Warn("purchase blocked",
		zap.String("status", string(orders.StatusFraudBlocked)),
		zap.Strings("reasons", second.Reasons),
		zap.String("total", p.total.String()))
	return apperrors.E(apperrors.KindFraudBlocked, "fulfillment.Purchase", "purchase held for review, contact support", nil)
}

// execute runs the money-moving steps as a saga. With reserved set the debit and order record
// already exist and only their compensation is registered.
func (o *Orchestrator) execute(ctx context.Context, p *purchase, reserved bool) (*PurchaseResult, error) {
	// once money may move the attempt runs to a recorded state even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	sg := saga.New("purchase", p.log)
	if reserved {
		sg.Add(saga.Step{
			Name:       stepDebit,
			Do:         func(context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return o.reverse(ctx, p) },
		})
	} else {
		sg.Add(saga.Step{
			Name:       stepDebit,
			Do:         func(ctx context.Context) error { return o.debit(ctx, p) },
			Compensate: func(ctx context.Context) error { return o.reverse(ctx, p) },
		}).Add(saga.Step{
			Name: stepRecord,
			Do:   func(ctx context.Context) error { return o.record(ctx, p) },
		})
	}
	sg.Add(saga.Step{
		Name: stepSupplier,
		Do:   func(ctx context.Context) error { return o.placeOrder(ctx, p) },
	}).Add(saga.Step{
		Name: stepCredentials,
		Do:   func(ctx context.Context) error { return o.deliver(ctx, p) },
	})

	if err := sg.Run(ctx); err != nil {
		return nil, o.failed(ctx, p, err)
	}
	return o.complete(ctx, p)
}

func (o *Orchestrator) debit(ctx context.Context, p *purchase) error {
	p.final = true
	_, err := o.ledger.Adjust(ctx, ledger.Adjustment{
		UserID:    p.req.BuyerID,
		Delta:     -p.total,
		EntryID:   ledger.DebitEntryID(p.orderID),
		Kind:      ledger.KindPurchaseDebit,
		Reference: p.orderID,
		Note:      p.req.ProductID,
	})
	switch {
	case err == nil, errors.Is(err, ledger.ErrBalanceUnknown):
		p.log.Info("balance debited", zap.String("total", p.total.String()))
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		// lost a race with a concurrent debit; nothing moved
		p.final = false
		return err
	case errors.Is(err, ledger.ErrDuplicateEntry):
		return err
	default:
		return saga.Unknown(fmt.Errorf("debit balance: %w", err))
	}
}

// reverse credits the debit back and, when the order record exists, marks it SUPPLIER_ERROR.
func (o *Orchestrator) reverse(ctx context.Context, p *purchase) error {
	if _, err := o.refund(ctx, p.req.BuyerID, p.orderID, p.total, p.reason); err != nil {
		return err
	}
	if p.status == "" {
		return nil
	}
	if err := o.orders.UpdateStatus(ctx, p.orderID, p.status, orders.StatusSupplierError, orders.WithFailure(p.reason)); err != nil {
		// refund is in; reconciliation moves the order once it is stale
		p.log.Error("mark order supplier error after refund", zap.String("status", string(p.status)), zap.Error(err))
		return nil
	}
	p.status = orders.StatusSupplierError
	return nil
}

// refund credits back an order's debit. The refund entry id is unique per order, so a repeat is a
// no-op and reports false.
func (o *Orchestrator) refund(ctx context.Context, userID, orderID string, amount money.Amount, note string) (bool, error) {
	_, err := o.ledger.Adjust(ctx, ledger.Adjustment{
		UserID:    userID,
		Delta:     amount,
		EntryID:   ledger.RefundEntryID(orderID),
		Kind:      ledger.KindPurchaseRefund,
		Reference: orderID,
		Note:      note,
	})
	if errors.Is(err, ledger.ErrBalanceUnknown) {
		err = nil
	}
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refund order %s: %w", orderID, err)
	}
	o.logger.Info("order refunded",
		zap.String("order_id", orderID),
		zap.String("user_id", userID),
		zap.String("amount", amount.String()))
	return true, nil
}

func (o *Orchestrator) record(ctx context.Context, p *purchase) error {
	ord := orders.Order{
		OrderID:        p.orderID,
		BuyerID:        p.req.BuyerID,
		ProductID:      p.req.ProductID,
		SupplierRef:    p.req.supplierRef(),
		ProductName:    p.stock.Name,
		Quantity:       p.req.Quantity,
		UnitPrice:      p.stock.Price,
		Total:          p.total,
		PromotionCode:  p.req.PromotionCode,
		Status:         orders.StatusBalanceReserved,
		IdempotencyKey: p.req.IdempotencyKey,
		CreatedAt:      o.nowFunc().UTC(),
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		p.reason = "order record could not be written"
		return fmt.Errorf("create order: %w", err)
	}
	p.status = orders.StatusBalanceReserved
	return nil
}

func (o *Orchestrator) placeOrder(ctx context.Context, p *purchase) error {
	if err := o.orders.UpdateStatus(ctx, p.orderID, orders.StatusBalanceReserved, orders.StatusPurchaseRequested); err != nil {
		p.reason = "order could not be advanced to supplier request"
		return fmt.Errorf("mark purchase requested: %w", err)
	}
	p.status = orders.StatusPurchaseRequested

	ext, err := o.supplier.RequestPurchase(ctx, supplier.PurchaseOrder{
		Ref:             p.req.supplierRef(),
		Quantity:        p.req.Quantity,
		PromotionCode:   p.req.PromotionCode,
		ClientReference: p.orderID,
	})
	if err != nil {
		if supplier.IsRejected(err) {
			p.reason = "supplier rejected order: " + err.Error()
			p.rejected = true
			return err
		}
		p.reason = "supplier outcome unknown: " + err.Error()
		return saga.Unknown(err)
	}
	p.externalID = ext
	p.log = p.log.With(zap.String("external_order_id", ext))
	if err := o.orders.SetExternalOrderID(ctx, p.orderID, ext); err != nil {
		// written again with the next transition
		p.log.Warn("persist external order id", zap.Error(err))
	} else {
		p.extSaved = true
	}
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, p *purchase) error {
	creds, err := o.supplier.PollCredentials(ctx, p.externalID)
	if err != nil {
		p.reason = "credentials not retrieved: " + err.Error()
		return saga.Unknown(err)
	}
	p.credentials = creds
	return nil
}

// complete stores the credentials and marks the order COMPLETED.
func (o *Orchestrator) complete(ctx context.Context, p *purchase) (*PurchaseResult, error) {
	changes := []orders.Change{orders.WithCredentials(p.credentials)}
	if !p.extSaved {
		changes = append(changes, orders.WithExternalOrderID(p.externalID))
	}
	if err := o.orders.UpdateStatus(ctx, p.orderID, p.status, orders.StatusCredentials, changes...); err != nil {
		p.reason = "credentials could not be stored"
		return nil, o.hold(ctx, p, err)
	}
	return o.finish(ctx, p.orderID, p.req.Meta)
}

// failed maps a saga failure to the caller-facing error.
func (o *Orchestrator) failed(ctx context.Context, p *purchase, err error) error {
	const op = "fulfillment.Purchase"
	var serr *saga.Error
	if !errors.As(err, &serr) {
		return apperrors.E(apperrors.KindInternal, op, "purchase failed", err).WithOrder(p.orderID)
	}

	switch {
	case serr.Step == stepDebit && errors.Is(err, ledger.ErrInsufficientFunds):
		bal, _ := o.ledger.Balance(ctx, p.req.BuyerID)
		return o.insufficient(p, bal)
	case serr.Step == stepDebit && errors.Is(err, ledger.ErrDuplicateEntry):
		return apperrors.E(apperrors.KindValidation, op, "idempotency key was already used for an earlier order", err).WithOrder(p.orderID)
	case serr.Step == stepDebit:
		o.count(ctx, "PurchasePartialFailure", 1)
		p.log.Error("debit outcome unknown", zap.Error(serr.Err))
		return apperrors.E(apperrors.KindPartialFailure, op,
			"debit outcome unknown; any debit without an order is reversed by reconciliation", serr.Err).WithOrder(p.orderID)
	case serr.Halted:
		return o.hold(ctx, p, serr.Err)
	case !serr.FullyCompensated():
		o.count(ctx, "PurchasePartialFailure", 1)
		p.log.Error("refund failed, left to reconciliation",
			zap.String("failed_step", serr.Step),
			zap.String("reason", p.reason),
			zap.Error(serr.CompensationErr))
		return apperrors.E(apperrors.KindPartialFailure, op, "purchase failed and the refund is pending reconciliation", serr.Err).WithOrder(p.orderID)
	case p.rejected:
		p.log.Info("purchase ended", zap.String("status", string(orders.StatusSupplierError)), zap.String("reason", p.reason))
		return apperrors.E(apperrors.KindSupplierError, op, "supplier refused the order; balance restored", serr.Err).WithOrder(p.orderID)
	default:
		p.log.Warn("purchase compensated", zap.String("failed_step", serr.Step), zap.String("reason", p.reason))
		return apperrors.E(apperrors.KindInternal, op, "purchase could not be completed; balance restored", serr.Err).WithOrder(p.orderID)
	}
}

// hold parks the order in PARTIAL_FAILURE and queues a fulfilment retry when the supplier order
// id is known.
func (o *Orchestrator) hold(ctx context.Context, p *purchase, cause error) error {
	changes := []orders.Change{orders.WithFailure(p.reason)}
	if p.externalID != "" && !p.extSaved {
		changes = append(changes, orders.WithExternalOrderID(p.externalID))
	}
	if p.status != orders.StatusPartialFailure {
		if err := o.orders.UpdateStatus(ctx, p.orderID, p.status, orders.StatusPartialFailure, changes...); err != nil {
			p.log.Error("mark order partial failure", zap.String("status", string(p.status)), zap.Error(err))
		} else {
			p.status = orders.StatusPartialFailure
		}
	}
	o.count(ctx, "PurchasePartialFailure", 1)
	p.log.Error("purchase left in partial failure", zap.String("reason", p.reason), zap.Error(cause))

	msg := "payment taken, supplier outcome unknown; order held for reconciliation"
	if p.externalID != "" {
		msg = "payment taken, delivery pending; retry fulfillment with the order id"
		if err := o.enqueue(ctx, p.orderID, p.reason); err != nil {
			p.log.Error("enqueue fulfillment retry", zap.Error(err))
		}
	}
	return apperrors.E(apperrors.KindPartialFailure, "fulfillment.Purchase", msg, cause).WithOrder(p.orderID)
}

var errNoQueue = errors.New("fulfillment queue not configured")

func (o *Orchestrator) enqueue(ctx context.Context, orderID, reason string) error {
	if o.queue == nil {
		return errNoQueue
	}
	return o.queue.PublishJSON(ctx, FulfillmentJob{OrderID: orderID, Reason: reason}, map[string]string{
		"order_id": orderID,
	})
}

// finish moves CREDENTIALS_RETRIEVED to COMPLETED and returns the stored order. Activity is
// recorded by whichever caller performs the transition.
func (o *Orchestrator) finish(ctx context.Context, orderID string, meta fraud.ActorMeta) (*PurchaseResult, error) {
	const op = "fulfillment.finish"
	err := o.orders.UpdateStatus(ctx, orderID, orders.StatusCredentials, orders.StatusCompleted)
	if err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
		// credentials are stored; reconciliation completes the order
		o.logger.Error("mark order completed", zap.String("order_id", orderID), zap.Error(err))
	}
	ord, gerr := o.orders.Get(ctx, orderID)
	if gerr != nil || ord == nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "load order", gerr).WithOrder(orderID)
	}
	if ord.Status != orders.StatusCompleted && ord.Status != orders.StatusCredentials {
		return nil, apperrors.E(apperrors.KindInternal, op, "order is "+string(ord.Status), nil).WithOrder(orderID)
	}
	if err == nil {
		o.recordActivity(ctx, ord, meta)
	}
	return resultOf(ord), nil
}

func (o *Orchestrator) recordActivity(ctx context.Context, ord *orders.Order, meta fraud.ActorMeta) {
	o.fraud.RecordPurchase(ord.BuyerID, ord.Total, ord.ProductID, meta)
	o.count(ctx, "PurchaseCompleted", 1)
	o.logger.Info("purchase completed",
		zap.String("order_id", ord.OrderID),
		zap.String("user_id", ord.BuyerID),
		zap.String("product_id", ord.ProductID),
		zap.Int("quantity", ord.Quantity),
		zap.String("unit_price", ord.UnitPrice.String()),
		zap.String("total", ord.Total.String()),
		zap.String("promotion_code", ord.PromotionCode))
	if o.activity == nil {
		return
	}
	e := audit.NewEvent(audit.TypeOrderActivity, ord.BuyerID, o.nowFunc())
	e.Attributes["order_id"] = ord.OrderID
	e.Attributes["product_id"] = ord.ProductID
	e.Attributes["quantity"] = strconv.Itoa(ord.Quantity)
	e.Attributes["unit_price"] = ord.UnitPrice.String()
	e.Attributes["total"] = ord.Total.String()
	if ord.PromotionCode != "" {
		e.Attributes["promotion_code"] = ord.PromotionCode
	}
	o.activity.Record(e)
}

func (o *Orchestrator) count(ctx context.Context, name string, n int) {
	if o.metrics == nil || n == 0 {
		return
	}
	if err := o.metrics.Count(ctx, name, float64(n), nil); err != nil {
		o.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}
