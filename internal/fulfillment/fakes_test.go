package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/audit"
	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/supplier"
	"github.com/imrishuroy/go-goods-ledger/internal/testutil"
)

type fakeSupplier struct {
	mu sync.Mutex

	stock    supplier.Stock
	stockErr error

	extID       string
	purchaseErr error
	purchases   []supplier.PurchaseOrder

	creds    string
	pollErrs []error
	polls    int
}

func (f *fakeSupplier) VerifyStock(_ context.Context, ref string) (*supplier.Stock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stockErr != nil {
		return nil, f.stockErr
	}
	s := f.stock
	s.Ref = ref
	return &s, nil
}

func (f *fakeSupplier) RequestPurchase(_ context.Context, po supplier.PurchaseOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, po)
	if f.purchaseErr != nil {
		return "", f.purchaseErr
	}
	return f.extID, nil
}

func (f *fakeSupplier) PollCredentials(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		return "", err
	}
	return f.creds, nil
}

func (f *fakeSupplier) purchaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purchases)
}

type fakeFraud struct {
	mu        sync.Mutex
	primary   fraud.Verdict
	secondary fraud.Verdict
	checks    int
	recorded  int
	blocked   []fraud.Verdict
}

func (f *fakeFraud) CheckPurchase(string, money.Amount, string) fraud.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.primary
}

func (f *fakeFraud) SecondaryCheck(string, money.Amount, fraud.ActorMeta) fraud.Verdict {
	return f.secondary
}

func (f *fakeFraud) RecordPurchase(string, money.Amount, string, fraud.ActorMeta) fraud.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	return fraud.Verdict{}
}

func (f *fakeFraud) ReportBlock(_ string, _ money.Amount, _ string, v fraud.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, v)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []FulfillmentJob
}

func (q *fakeQueue) PublishJSON(_ context.Context, msg interface{}, _ map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, msg.(FulfillmentJob))
	return nil
}

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

func (m *countingMetrics) get(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

type activityLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *activityLog) Record(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

type testEnv struct {
	fake     *testutil.FakeDynamo
	orders   *orders.Store
	ledger   *ledger.Ledger
	guard    *idempotency.Guard
	supplier *fakeSupplier
	fraud    *fakeFraud
	queue    *fakeQueue
	metrics  *countingMetrics
	activity *activityLog
	orch     *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := testutil.NewFakeDynamo()
	fake.CreateTable("orders", "order_id", "")
	fake.AddIndex("orders", "status-updated_at-index", "status", "updated_at")
	fake.CreateTable("balances", "user_id", "")
	fake.CreateTable("ledger", "user_id", "entry_id")
	fake.AddIndex("ledger", "kind-created_at-index", "kind", "created_at")
	fake.CreateTable("idempotency", "idempotency_key", "")

	env := &testEnv{
		fake:   fake,
		orders: orders.NewStore(fake, "orders"),
		ledger: ledger.New(fake, "balances", "ledger", zap.NewNop()),
		guard:  idempotency.NewGuard(idempotency.NewStore(fake, "idempotency", time.Hour), time.Minute, zap.NewNop()),
		supplier: &fakeSupplier{
			stock: supplier.Stock{Name: "Gift card", Stock: 3, Price: money.Amount(50000)},
			extID: "ext-1",
			creds: "CODE-1\nCODE-2",
		},
		fraud:    &fakeFraud{},
		queue:    &fakeQueue{},
		metrics:  &countingMetrics{counts: map[string]float64{}},
		activity: &activityLog{},
	}
	env.orch = NewOrchestrator(Deps{
		Orders:   env.orders,
		Ledger:   env.ledger,
		Supplier: env.supplier,
		Fraud:    env.fraud,
		Guard:    env.guard,
		Queue:    env.queue,
		Metrics:  env.metrics,
		Activity: env.activity,
		Logger:   zap.NewNop(),
	})
	return env
}

func (e *testEnv) fund(t *testing.T, user string, amount money.Amount) {
	t.Helper()
	_, err := e.ledger.Adjust(context.Background(), ledger.Adjustment{
		UserID:  user,
		Delta:   amount,
		EntryID: "seed:" + user,
		Kind:    ledger.KindDepositCredit,
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, user string) money.Amount {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), user)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func (e *testEnv) order(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := e.orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	return o
}

func request(key string, qty int) PurchaseRequest {
	return PurchaseRequest{
		BuyerID:        "buyer-1",
		ProductID:      "prod-1",
		SupplierRef:    "tok-1",
		Quantity:       qty,
		IdempotencyKey: key,
	}
}
