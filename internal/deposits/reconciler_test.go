package deposits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/apperrors"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/testutil"
)

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (m *countingMetrics) Count(_ context.Context, name string, v float64, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += v
	return nil
}

type testEnv struct {
	fake    *testutil.FakeDynamo
	store   *Store
	ledger  *ledger.Ledger
	rec     *Reconciler
	metrics *countingMetrics
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := testutil.NewFakeDynamo()
	fake.CreateTable("deposits", "deposit_id", "")
	fake.AddIndex("deposits", txIndex, "provider_tx_id", "")
	fake.AddIndex("deposits", statusIndex, "status", "created_at")
	fake.CreateTable("balances", "user_id", "")
	fake.CreateTable("ledger", "user_id", "entry_id")
	fake.AddIndex("ledger", "kind-created_at-index", "kind", "created_at")
	fake.CreateTable("idempotency", "idempotency_key", "")

	card, err := money.NewFeeModel("3.9", "0.30")
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		fake:    fake,
		store:   NewStore(fake, "deposits"),
		ledger:  ledger.New(fake, "balances", "ledger", zap.NewNop()),
		metrics: &countingMetrics{counts: map[string]float64{}},
		now:     time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	guard := idempotency.NewGuard(idempotency.NewStore(fake, "idempotency", time.Hour), time.Minute, zap.NewNop())
	env.rec = NewReconciler(env.store, env.ledger, guard, map[string]money.FeeModel{"card": card}, env.metrics, zap.NewNop())
	env.store.nowFunc = func() time.Time { return env.now }
	env.rec.nowFunc = func() time.Time { return env.now }
	return env
}

func (e *testEnv) open(t *testing.T, user, gross string) *Deposit {
	t.Helper()
	d, err := e.rec.OpenDeposit(context.Background(), OpenRequest{UserID: user, Gross: money.MustParse(gross), Method: "card"})
	if err != nil {
		t.Fatalf("OpenDeposit: %v", err)
	}
	return d
}

func (e *testEnv) balance(t *testing.T, user string) money.Amount {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), user)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func TestOpenDeposit_FeeComputedOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.open(t, "u1", "50.00")
	if d.Net != money.MustParse("48.05") || d.Charge != money.MustParse("50.30") || d.Status != StatusPending {
		t.Fatalf("unexpected deposit %+v", d)
	}
	stored, _ := env.store.Get(context.Background(), d.DepositID)
	if stored.Net != d.Net || stored.PercentFee != money.MustParse("1.95") {
		t.Fatalf("stored deposit differs: %+v", stored)
	}
}

func TestOpenDeposit_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.rec.OpenDeposit(ctx, OpenRequest{UserID: "u1", Gross: 100, Method: "crypto"}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error for unknown method, got %v", err)
	}
	if _, err := env.rec.OpenDeposit(ctx, OpenRequest{UserID: "u1", Gross: 0, Method: "card"}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error for zero gross, got %v", err)
	}
}

func TestOpenDeposit_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := OpenRequest{UserID: "u1", Gross: money.MustParse("20.00"), Method: "Card", IdempotencyKey: "k-1"}
	a, err := env.rec.OpenDeposit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.rec.OpenDeposit(ctx, req)
	if err != nil || a.DepositID != b.DepositID {
		t.Fatalf("expected same deposit, got %v / %v (%v)", a.DepositID, b, err)
	}
	req.Gross = money.MustParse("21.00")
	if _, err := env.rec.OpenDeposit(ctx, req); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error on changed request, got %v", err)
	}
}

func TestOnPaymentConfirmed_ReplayCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "50.00")
	if _, err := env.rec.AttachTransaction(ctx, d.DepositID, "tx-1"); err != nil {
		t.Fatalf("AttachTransaction: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-1"})
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		want := OutcomeAlreadyCompleted
		if i == 0 {
			want = OutcomeCredited
		}
		if res.Outcome != want || res.Status != StatusCompleted || res.DepositID != d.DepositID {
			t.Fatalf("delivery %d: unexpected %+v", i, res)
		}
	}
	if got := env.balance(t, "u1"); got != money.MustParse("48.05") {
		t.Fatalf("expected single credit of 48.05, balance %s", got)
	}
}

func TestOnPaymentConfirmed_ConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "tx-c")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-c"})
			if err != nil && !apperrors.Is(err, apperrors.KindIdempotencyConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := env.balance(t, "u1"); got != d.Net {
		t.Fatalf("expected %s, got %s", d.Net, got)
	}
}

func TestOnPaymentConfirmed_AttachesByDepositID(t *testing.T) {
	env := newTestEnv(t)
	d := env.open(t, "u1", "10.00")
	res, err := env.rec.OnPaymentConfirmed(context.Background(), Confirmation{ProviderTxID: "tx-new", DepositID: d.DepositID})
	if err != nil || res.Outcome != OutcomeCredited {
		t.Fatalf("got %+v, %v", res, err)
	}
	stored, _ := env.store.Get(context.Background(), d.DepositID)
	if stored.ProviderTxID != "tx-new" || stored.Status != StatusCompleted {
		t.Fatalf("unexpected %+v", stored)
	}
}

func TestOnPaymentConfirmed_UnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "ghost"})
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// the failure released the key, so a later delivery is processed normally
	d := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "ghost")
	if res, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "ghost"}); err != nil || res.Outcome != OutcomeCredited {
		t.Fatalf("retry after release: %+v %v", res, err)
	}
}

func TestOnPaymentConfirmed_RepairsCreditedButPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "50.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "tx-crash")
	// simulate a crash after the credit and before the status write
	if _, err := env.ledger.Adjust(ctx, ledger.Adjustment{
		UserID: "u1", Delta: d.Net, EntryID: ledger.CreditEntryID(d.DepositID), Kind: ledger.KindDepositCredit,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-crash"})
	if err != nil || res.Status != StatusCompleted || res.Outcome != OutcomeAlreadyCompleted {
		t.Fatalf("got %+v, %v", res, err)
	}
	if got := env.balance(t, "u1"); got != d.Net {
		t.Fatalf("expected no second credit, balance %s", got)
	}
}

func TestOnPaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "tx-f")

	got, err := env.rec.OnPaymentFailed(ctx, "tx-f", "card declined")
	if err != nil || got.Status != StatusFailed || got.FailureReason != "card declined" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if _, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-f"}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("confirming a failed deposit must be rejected, got %v", err)
	}
	if env.balance(t, "u1") != 0 {
		t.Fatal("failed deposit must not credit")
	}

	done := env.open(t, "u2", "10.00")
	env.rec.AttachTransaction(ctx, done.DepositID, "tx-ok")
	env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-ok"})
	if _, err := env.rec.OnPaymentFailed(ctx, "tx-ok", ""); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("completed deposit must not fail, got %v", err)
	}
}

func TestOnPaymentFailed_WaitsForInFlightConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "tx-race")

	// a confirmation for the same transaction holds the key
	key := idempotency.DeriveKey(confirmScope, "tx-race")
	held, err := env.rec.guard.CheckOrBegin(ctx, confirmScope, key, "", "tx-race")
	if err != nil || !held.IsNew {
		t.Fatalf("claim: %+v %v", held, err)
	}
	if _, err := env.rec.OnPaymentFailed(ctx, "tx-race", "declined"); !apperrors.Is(err, apperrors.KindIdempotencyConflict) {
		t.Fatalf("expected conflict while confirmation runs, got %v", err)
	}
	if got, _ := env.store.Get(ctx, d.DepositID); got.Status != StatusPending {
		t.Fatalf("deposit failed under a running confirmation: %+v", got)
	}

	if err := env.rec.guard.Release(ctx, key, held.Owner); err != nil {
		t.Fatal(err)
	}
	got, err := env.rec.OnPaymentFailed(ctx, "tx-race", "declined")
	if err != nil || got.Status != StatusFailed {
		t.Fatalf("got %+v, %v", got, err)
	}
	// the key is free again and the late confirmation is refused on the deposit status
	if _, err := env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-race"}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.balance(t, "u1") != 0 {
		t.Fatal("failed deposit credited")
	}
}

func TestRetryPendingDeposits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := env.now

	withTx := env.open(t, "u1", "50.00")
	env.rec.AttachTransaction(ctx, withTx.DepositID, "tx-sweep")
	stale := env.open(t, "u2", "10.00")

	env.now = start.Add(50 * time.Minute)
	young := env.open(t, "u3", "10.00")

	env.now = start.Add(70 * time.Minute)
	fresh := env.open(t, "u4", "10.00")

	opts := SweepOptions{MaxAttempts: 5, MaxAge: time.Hour, LimitPerRun: 100, Grace: 5 * time.Minute}
	report, err := env.rec.RetryPendingDeposits(ctx, opts)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 3 || report.Processed != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected first report %+v", report)
	}
	if env.balance(t, "u1") != money.MustParse("48.05") {
		t.Fatal("replayed deposit should be credited")
	}
	if d, _ := env.store.Get(ctx, stale.DepositID); d.Status != StatusFailed {
		t.Fatalf("stale deposit should fail, got %s", d.Status)
	}
	for _, id := range []string{young.DepositID, fresh.DepositID} {
		if d, _ := env.store.Get(ctx, id); d.Status != StatusPending {
			t.Fatalf("deposit %s should stay pending", id)
		}
	}

	again, err := env.rec.RetryPendingDeposits(ctx, opts)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Processed != 0 || again.Failed != 0 {
		t.Fatalf("second run must find nothing new, got %+v", again)
	}
	if env.balance(t, "u1") != money.MustParse("48.05") {
		t.Fatal("second sweep must not credit again")
	}
}

func TestRetryPendingDeposits_ManualReviewAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, d.DepositID, "tx-stuck")
	env.now = env.now.Add(10 * time.Minute)

	env.fake.SetHook(func(op, table string, input interface{}) error {
		if op == "TransactWriteItems" {
			return errors.New("ledger unavailable")
		}
		return nil
	})
	opts := SweepOptions{MaxAttempts: 2, MaxAge: time.Hour, LimitPerRun: 10, Grace: time.Minute}
	for run := 1; run <= 2; run++ {
		r, err := env.rec.RetryPendingDeposits(ctx, opts)
		if err != nil || r.Errors != 1 {
			t.Fatalf("run %d: %+v %v", run, r, err)
		}
	}
	r, _ := env.rec.RetryPendingDeposits(ctx, opts)
	if r.ManualReview != 1 {
		t.Fatalf("third run should flag manual review, got %+v", r)
	}
	r, _ = env.rec.RetryPendingDeposits(ctx, opts)
	if r.Scanned != 0 {
		t.Fatalf("flagged deposit must be excluded, got %+v", r)
	}
	if env.metrics.counts["DepositManualReview"] != 1 {
		t.Fatalf("expected manual review metric, got %v", env.metrics.counts)
	}
}

func TestVerifyCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	good := env.open(t, "u1", "10.00")
	env.rec.AttachTransaction(ctx, good.DepositID, "tx-good")
	env.rec.OnPaymentConfirmed(ctx, Confirmation{ProviderTxID: "tx-good"})

	broken := Deposit{DepositID: "dep-broken", UserID: "u2", Method: "card", Net: 500, Status: StatusCompleted}
	if err := env.store.Create(ctx, broken); err != nil {
		t.Fatal(err)
	}

	got, err := env.rec.VerifyCompleted(ctx, env.now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("VerifyCompleted: %v", err)
	}
	if len(got) != 1 || got[0].DepositID != "dep-broken" {
		t.Fatalf("unexpected violations %+v", got)
	}
	if env.metrics.counts["DepositInvariantViolation"] != 1 {
		t.Fatalf("expected violation metric, got %v", env.metrics.counts)
	}
}

func TestAttachTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.open(t, "u1", "10.00")
	if _, err := env.rec.AttachTransaction(ctx, d.DepositID, "tx-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.rec.AttachTransaction(ctx, d.DepositID, "tx-a"); err != nil {
		t.Fatalf("re-attaching the same id should be a no-op: %v", err)
	}
	if _, err := env.rec.AttachTransaction(ctx, d.DepositID, "tx-b"); !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.rec.AttachTransaction(ctx, "missing", "tx-c"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
