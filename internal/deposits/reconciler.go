// Package deposits turns confirmed payments into balance credits exactly once. The webhook path
// and the scheduled sweep share one code path; the ledger's unique credit entry per deposit is
// what makes replays and overlapping runs safe.
package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

const confirmScope = "deposit-confirm"

// depositNamespace seeds deterministic deposit ids derived from client idempotency keys.
var depositNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e94-a0c1-d2e3f4a5b6c7")

// Ledger is the part of the balance ledger deposits need.
type Ledger interface {
	Adjust(ctx context.Context, adj ledger.Adjustment) (money.Amount, error)
	HasEntry(ctx context.Context, userID, entryID string) (bool, error)
}

// Guard serialises concurrent confirmations of one provider transaction.
type Guard interface {
	CheckOrBegin(ctx context.Context, scope, key, fingerprint, requestBody string) (*idempotency.Begin, error)
	Complete(ctx context.Context, key, owner string, out idempotency.Outcome) error
	Release(ctx context.Context, key, owner string) error
}

// Metrics counts operational events.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string) error
}

// Reconciler owns the deposit lifecycle.
type Reconciler struct {
	store   *Store
	ledger  Ledger
	guard   Guard
	fees    map[string]money.FeeModel
	metrics Metrics
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewReconciler wires a Reconciler. fees is keyed by lower-case payment method.
func NewReconciler(store *Store, l Ledger, guard Guard, fees map[string]money.FeeModel, metrics Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  l,
		guard:   guard,
		fees:    fees,
		metrics: metrics,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// OpenRequest asks for a new deposit intent.
type OpenRequest struct {
	UserID string
	Gross  money.Amount
	Method string
	// IdempotencyKey, when set, makes the deposit id deterministic so a retried request returns
	// the same deposit.
	IdempotencyKey string
}

// OpenDeposit quotes the fee once and stores the pending deposit with its net amount.
func (r *Reconciler) OpenDeposit(ctx context.Context, req OpenRequest) (*Deposit, error) {
	const op = "deposits.OpenDeposit"
	method := strings.ToLower(strings.TrimSpace(req.Method))
	model, ok := r.fees[method]
	if !ok {
		return nil, apperrors.E(apperrors.KindValidation, op, fmt.Sprintf("unsupported payment method %q", req.Method), nil)
	}
	if req.UserID == "" {
		return nil, apperrors.E(apperrors.KindValidation, op, "user id is required", nil)
	}
	quote, err := model.Quote(req.Gross)
	if err != nil {
		return nil, apperrors.E(apperrors.KindValidation, op, "invalid amount", err)
	}

	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		id = uuid.NewSHA1(depositNamespace, []byte(req.UserID+"\x1f"+req.IdempotencyKey)).String()
	}
	d := Deposit{
		DepositID:  id,
		UserID:     req.UserID,
		Method:     method,
		Gross:      quote.Gross,
		PercentFee: quote.PercentFee,
		FixedFee:   quote.FixedFee,
		Charge:     quote.Charge,
		Net:        quote.Net,
		Status:     StatusPending,
	}
	if err := r.store.Create(ctx, d); err != nil {
		if !errors.Is(err, ErrExists) {
			return nil, apperrors.E(apperrors.KindInternal, op, "store deposit", err)
		}
		existing, gerr := r.store.Get(ctx, id)
		if gerr != nil || existing == nil {
			return nil, apperrors.E(apperrors.KindInternal, op, "load existing deposit", gerr)
		}
		if existing.Gross != d.Gross || existing.Method != d.Method {
			return nil, apperrors.E(apperrors.KindValidation, op, "idempotency key reused with different request", nil)
		}
		return existing, nil
	}
	r.logger.Info("deposit opened",
		zap.String("deposit_id", id),
		zap.String("user_id", req.UserID),
		zap.String("method", method),
		zap.String("gross", quote.Gross.String()),
		zap.String("net", quote.Net.String()))
	return &d, nil
}

// AttachTransaction records the provider transaction id of a pending deposit.
func (r *Reconciler) AttachTransaction(ctx context.Context, depositID, txID string) (*Deposit, error) {
	const op = "deposits.AttachTransaction"
	if strings.TrimSpace(txID) == "" {
		return nil, apperrors.E(apperrors.KindValidation, op, "provider transaction id is required", nil)
	}
	if err := r.store.AttachTransaction(ctx, depositID, txID); err != nil {
		switch {
		case errors.Is(err, ErrTxConflict):
			return nil, apperrors.E(apperrors.KindValidation, op, "deposit already has a different transaction", err)
		case errors.Is(err, ErrStatusMismatch):
			d, gerr := r.store.Get(ctx, depositID)
			if gerr == nil && d == nil {
				return nil, apperrors.E(apperrors.KindNotFound, op, "deposit not found", nil)
			}
			return nil, apperrors.E(apperrors.KindValidation, op, "deposit is no longer pending", err)
		default:
			return nil, apperrors.E(apperrors.KindInternal, op, "attach transaction", err)
		}
	}
	return r.store.Get(ctx, depositID)
}

// OnPaymentConfirmed credits the deposit behind c.ProviderTxID exactly once. Replays return the
// original result.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, c Confirmation) (*ConfirmResult, error) {
	const op = "deposits.OnPaymentConfirmed"
	if strings.TrimSpace(c.ProviderTxID) == "" {
		return nil, apperrors.E(apperrors.KindValidation, op, "provider transaction id is required", nil)
	}

	key := idempotency.DeriveKey(confirmScope, c.ProviderTxID)
	var owner string
	if r.guard != nil {
		begin, err := r.guard.CheckOrBegin(ctx, confirmScope, key, "", c.ProviderTxID)
		switch {
		case errors.Is(err, idempotency.ErrConflict):
			return nil, apperrors.E(apperrors.KindIdempotencyConflict, op, "confirmation already in progress", err)
		case err != nil:
			return nil, apperrors.E(apperrors.KindInternal, op, "cannot guarantee idempotency", err)
		case !begin.IsNew:
			var cached ConfirmResult
			if jerr := json.Unmarshal([]byte(begin.Cached.ResponseBody), &cached); jerr != nil {
				return nil, apperrors.E(apperrors.KindInternal, op, "decode cached confirmation", jerr)
			}
			cached.Outcome = OutcomeAlreadyCompleted
			return &cached, nil
		}
		owner = begin.Owner
	}

	res, err := r.confirm(ctx, c)
	if r.guard == nil {
		return res, err
	}
	// guard bookkeeping must finish even if the caller went away
	gctx := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := r.guard.Release(gctx, key, owner); rerr != nil {
			r.logger.Warn("release confirmation key failed", zap.String("idempotency_key", key), zap.Error(rerr))
		}
		return nil, err
	}
	body, _ := json.Marshal(res)
	if cerr := r.guard.Complete(gctx, key, owner, idempotency.Outcome{Status: idempotency.StatusSuccess, ResponseBody: string(body)}); cerr != nil {
		r.logger.Warn("complete confirmation key failed", zap.String("idempotency_key", key), zap.Error(cerr))
	}
	return res, nil
}

func (r *Reconciler) confirm(ctx context.Context, c Confirmation) (*ConfirmResult, error) {
	const op = "deposits.confirm"
	d, err := r.store.GetByProviderTx(ctx, c.ProviderTxID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "lookup deposit", err)
	}
	if d == nil && c.DepositID != "" {
		if err := r.store.AttachTransaction(ctx, c.DepositID, c.ProviderTxID); err != nil && !errors.Is(err, ErrStatusMismatch) {
			if errors.Is(err, ErrTxConflict) {
				return nil, apperrors.E(apperrors.KindValidation, op, "deposit bound to another transaction", err)
			}
			return nil, apperrors.E(apperrors.KindInternal, op, "attach transaction", err)
		}
		if d, err = r.store.Get(ctx, c.DepositID); err != nil {
			return nil, apperrors.E(apperrors.KindInternal, op, "load deposit", err)
		}
		if d != nil && d.ProviderTxID != c.ProviderTxID {
			return nil, apperrors.E(apperrors.KindValidation, op, "deposit bound to another transaction", nil)
		}
	}
	if d == nil {
		return nil, apperrors.E(apperrors.KindNotFound, op, "no deposit for provider transaction "+c.ProviderTxID, nil)
	}
	return r.settle(ctx, d)
}

// settle credits a pending deposit and marks it completed. The credit goes first: its entry id is
// unique per deposit, so a crash between the two writes is repaired by replaying settle.
func (r *Reconciler) settle(ctx context.Context, d *Deposit) (*ConfirmResult, error) {
	const op = "deposits.settle"
	res := &ConfirmResult{DepositID: d.DepositID, UserID: d.UserID, Net: d.Net}

	switch d.Status {
	case StatusCompleted:
		res.Status, res.Outcome = StatusCompleted, OutcomeAlreadyCompleted
		return res, nil
	case StatusFailed:
		return nil, apperrors.E(apperrors.KindValidation, op, "deposit "+d.DepositID+" already failed", nil)
	}

	outcome := OutcomeCredited
	_, err := r.ledger.Adjust(ctx, ledger.Adjustment{
		UserID:    d.UserID,
		Delta:     d.Net,
		EntryID:   ledger.CreditEntryID(d.DepositID),
		Kind:      ledger.KindDepositCredit,
		Reference: d.DepositID,
		Note:      d.ProviderTxID,
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEntry):
		outcome = OutcomeAlreadyCompleted
	case errors.Is(err, ledger.ErrBalanceUnknown):
		r.logger.Warn("deposit credited, balance read-back failed", zap.String("deposit_id", d.DepositID), zap.Error(err))
	case err != nil:
		return nil, apperrors.E(apperrors.KindInternal, op, "credit balance", err)
	}

	if err := r.store.Transition(ctx, d.DepositID, StatusPending, StatusCompleted, ""); err != nil {
		if !errors.Is(err, ErrStatusMismatch) {
			// credited but not marked: the sweep or a webhook retry finishes it
			return nil, apperrors.E(apperrors.KindInternal, op, "mark deposit completed", err)
		}
		cur, gerr := r.store.Get(ctx, d.DepositID)
		if gerr != nil {
			return nil, apperrors.E(apperrors.KindInternal, op, "reload deposit", gerr)
		}
		if cur == nil || cur.Status != StatusCompleted {
			r.violation(ctx, d, "credited deposit is not completed")
			return nil, apperrors.E(apperrors.KindInternal, op, "deposit credited but not completed", nil)
		}
		outcome = OutcomeAlreadyCompleted
	}

	res.Status, res.Outcome = StatusCompleted, outcome
	if outcome == OutcomeCredited {
		r.logger.Info("deposit credited",
			zap.String("deposit_id", d.DepositID),
			zap.String("user_id", d.UserID),
			zap.String("provider_tx_id", d.ProviderTxID),
			zap.String("net", d.Net.String()))
	}
	return res, nil
}

// OnPaymentFailed marks the deposit behind txID as failed. A deposit that was already credited is
// never failed. The confirmation key is held while failing so a concurrent confirmation cannot
// credit in between.
func (r *Reconciler) OnPaymentFailed(ctx context.Context, txID, reason string) (*Deposit, error) {
	const op = "deposits.OnPaymentFailed"
	if strings.TrimSpace(txID) == "" {
		return nil, apperrors.E(apperrors.KindValidation, op, "provider transaction id is required", nil)
	}
	if r.guard == nil {
		return r.fail(ctx, txID, reason)
	}

	key := idempotency.DeriveKey(confirmScope, txID)
	begin, err := r.guard.CheckOrBegin(ctx, confirmScope, key, "", txID)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		return nil, apperrors.E(apperrors.KindIdempotencyConflict, op, "confirmation in progress", err)
	case err != nil:
		return nil, apperrors.E(apperrors.KindInternal, op, "cannot guarantee idempotency", err)
	case !begin.IsNew:
		return nil, apperrors.E(apperrors.KindValidation, op, "deposit already confirmed", nil)
	}

	d, err := r.fail(ctx, txID, reason)
	// the key stays free: a confirmation arriving later sees the failed deposit and is refused
	if rerr := r.guard.Release(context.WithoutCancel(ctx), key, begin.Owner); rerr != nil {
		r.logger.Warn("release confirmation key failed", zap.String("idempotency_key", key), zap.Error(rerr))
	}
	return d, err
}

func (r *Reconciler) fail(ctx context.Context, txID, reason string) (*Deposit, error) {
	const op = "deposits.OnPaymentFailed"
	d, err := r.store.GetByProviderTx(ctx, txID)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "lookup deposit", err)
	}
	if d == nil {
		return nil, apperrors.E(apperrors.KindNotFound, op, "no deposit for provider transaction "+txID, nil)
	}
	switch d.Status {
	case StatusFailed:
		return d, nil
	case StatusCompleted:
		return nil, apperrors.E(apperrors.KindValidation, op, "deposit already completed", nil)
	}
	credited, err := r.ledger.HasEntry(ctx, d.UserID, ledger.CreditEntryID(d.DepositID))
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "check ledger", err)
	}
	if credited {
		return nil, apperrors.E(apperrors.KindValidation, op, "deposit already credited", nil)
	}
	if reason == "" {
		reason = "payment failed at provider"
	}
	if err := r.store.Transition(ctx, d.DepositID, StatusPending, StatusFailed, reason); err != nil && !errors.Is(err, ErrStatusMismatch) {
		return nil, apperrors.E(apperrors.KindInternal, op, "mark deposit failed", err)
	}
	return r.store.Get(ctx, d.DepositID)
}

// RetryPendingDeposits is the scheduled sweep. Deposits with a transaction id are replayed
// through the webhook logic; deposits without one fail once older than MaxAge. Deposits past
// MaxAttempts are flagged for manual review and left alone.
func (r *Reconciler) RetryPendingDeposits(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	now := r.nowFunc()
	pending, err := r.store.ListPendingForRetry(ctx, now.Add(-opts.Grace), opts.LimitPerRun)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, "deposits.RetryPendingDeposits", "list pending deposits", err)
	}

	report := &SweepReport{Scanned: len(pending)}
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		r.sweepOne(ctx, &pending[i], opts, now, report)
	}

	r.logger.Info("deposit sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("manual_review", report.ManualReview),
		zap.Int("errors", report.Errors))
	r.count(ctx, "DepositSweepProcessed", report.Processed)
	r.count(ctx, "DepositSweepFailed", report.Failed)
	r.count(ctx, "DepositManualReview", report.ManualReview)
	return report, ctx.Err()
}

func (r *Reconciler) sweepOne(ctx context.Context, d *Deposit, opts SweepOptions, now time.Time, report *SweepReport) {
	log := r.logger.With(zap.String("deposit_id", d.DepositID), zap.String("user_id", d.UserID))

	if d.ProviderTxID == "" {
		if now.Sub(d.CreatedAt) < opts.MaxAge {
			report.Skipped++
			return
		}
		err := r.store.Transition(ctx, d.DepositID, StatusPending, StatusFailed, "expired without provider transaction")
		switch {
		case err == nil:
			report.Failed++
			log.Info("stale deposit failed")
		case errors.Is(err, ErrStatusMismatch):
			report.Skipped++
		default:
			report.Errors++
			log.Error("fail stale deposit", zap.Error(err))
		}
		return
	}

	attempts, err := r.store.IncrementAttempts(ctx, d.DepositID)
	if errors.Is(err, ErrStatusMismatch) {
		report.Skipped++
		return
	}
	if err != nil {
		report.Errors++
		log.Error("increment deposit attempts", zap.Error(err))
		return
	}
	if opts.MaxAttempts > 0 && attempts > opts.MaxAttempts {
		if err := r.store.FlagManualReview(ctx, d.DepositID); err != nil && !errors.Is(err, ErrStatusMismatch) {
			report.Errors++
			log.Error("flag deposit for manual review", zap.Error(err))
			return
		}
		report.ManualReview++
		log.Warn("deposit exceeded retry budget, manual review required", zap.Int("attempts", attempts))
		return
	}

	res, err := r.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: d.ProviderTxID})
	switch {
	case err == nil && res.Outcome == OutcomeCredited:
		report.Processed++
	case err == nil || apperrors.Is(err, apperrors.KindIdempotencyConflict):
		report.Skipped++
	default:
		report.Errors++
		log.Warn("deposit replay failed", zap.Int("attempts", attempts), zap.Error(err))
	}
}

// VerifyCompleted reports completed deposits created since the given time whose ledger credit is
// missing. Each violation is logged and counted.
func (r *Reconciler) VerifyCompleted(ctx context.Context, since time.Time, limit int) ([]Violation, error) {
	const op = "deposits.VerifyCompleted"
	completed, err := r.store.ListCompletedSince(ctx, since, limit)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInternal, op, "list completed deposits", err)
	}
	var out []Violation
	for i := range completed {
		d := &completed[i]
		ok, err := r.ledger.HasEntry(ctx, d.UserID, ledger.CreditEntryID(d.DepositID))
		if err != nil {
			return out, apperrors.E(apperrors.KindInternal, op, "check ledger", err)
		}
		if !ok {
			r.violation(ctx, d, "completed deposit has no ledger credit")
			out = append(out, Violation{DepositID: d.DepositID, UserID: d.UserID, Net: d.Net})
		}
	}
	return out, nil
}

func (r *Reconciler) violation(ctx context.Context, d *Deposit, msg string) {
	r.logger.Error(msg,
		zap.String("deposit_id", d.DepositID),
		zap.String("user_id", d.UserID),
		zap.String("net", d.Net.String()))
	r.count(ctx, "DepositInvariantViolation", 1)
}

func (r *Reconciler) count(ctx context.Context, name string, n int) {
	if r.metrics == nil || n == 0 {
		return
	}
	if err := r.metrics.Count(ctx, name, float64(n), nil); err != nil {
		r.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}
