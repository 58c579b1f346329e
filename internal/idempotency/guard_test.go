package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestGuard() (*Guard, *Store) {
	_, s := newTestStore()
	return NewGuard(s, time.Minute, zap.NewNop()), s
}

func TestGuard_NewThenCached(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	b, err := g.CheckOrBegin(ctx, "purchase", "key-1", "fp-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsNew || b.Owner == "" {
		t.Fatalf("expected new claim, got %+v", b)
	}

	if err := g.Complete(ctx, "key-1", b.Owner, Outcome{Status: StatusSuccess, ResponseBody: `{"order_id":"o1"}`}); err != nil {
		t.Fatal(err)
	}
	// complete is idempotent itself
	if err := g.Complete(ctx, "key-1", b.Owner, Outcome{Status: StatusError}); err != nil {
		t.Fatal(err)
	}

	b2, err := g.CheckOrBegin(ctx, "purchase", "key-1", "fp-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if b2.IsNew || b2.Cached == nil {
		t.Fatalf("expected cached result, got %+v", b2)
	}
	if b2.Cached.Status != StatusSuccess || b2.Cached.ResponseBody != `{"order_id":"o1"}` {
		t.Fatalf("unexpected cached record %+v", b2.Cached)
	}
}

func TestGuard_ConcurrentCallersOneWinner(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()

	var winners, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := g.CheckOrBegin(ctx, "purchase", "race", "fp", "")
			switch {
			case err == nil && b.IsNew:
				atomic.AddInt32(&winners, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected result %+v %v", b, err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if conflicts != 19 {
		t.Fatalf("expected 19 conflicts, got %d", conflicts)
	}
}

func TestGuard_FingerprintMismatch(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()
	if _, err := g.CheckOrBegin(ctx, "purchase", "k", "fp-a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CheckOrBegin(ctx, "purchase", "k", "fp-b", ""); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}
}

func TestGuard_InvalidKey(t *testing.T) {
	g, _ := newTestGuard()
	if _, err := g.CheckOrBegin(context.Background(), "purchase", "", "fp", ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestGuard_TakeOverExpiredLease(t *testing.T) {
	g, s := newTestGuard()
	ctx := context.Background()

	first, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil || !first.IsNew {
		t.Fatalf("first claim: %+v %v", first, err)
	}

	later := time.Now().Add(2 * time.Minute)
	g.nowFunc = func() time.Time { return later }
	s.nowFunc = func() time.Time { return later }

	second, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil {
		t.Fatal(err)
	}
	if !second.IsNew || !second.TakenOver || second.Owner == first.Owner {
		t.Fatalf("expected takeover, got %+v", second)
	}

	// the original holder can no longer release the key
	if err := g.Release(ctx, "k", first.Owner); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get(ctx, "k")
	if rec == nil || rec.Owner != second.Owner {
		t.Fatalf("record should belong to the new owner: %+v", rec)
	}
}

func TestGuard_CompleteAfterTakeOverKeepsNewOwner(t *testing.T) {
	g, s := newTestGuard()
	ctx := context.Background()

	first, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(2 * time.Minute)
	g.nowFunc = func() time.Time { return later }
	s.nowFunc = func() time.Time { return later }
	second, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil || !second.TakenOver {
		t.Fatalf("expected takeover, got %+v %v", second, err)
	}

	err = g.Complete(ctx, "k", first.Owner, Outcome{Status: StatusError, ResponseBody: "stale"})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	rec, _ := s.Get(ctx, "k")
	if rec == nil || rec.Status != StatusProcessing || rec.Owner != second.Owner {
		t.Fatalf("stale holder rewrote the record: %+v", rec)
	}

	if err := g.Complete(ctx, "k", second.Owner, Outcome{Status: StatusSuccess, ResponseBody: "fresh"}); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.Get(ctx, "k")
	if rec.Status != StatusSuccess || rec.ResponseBody != "fresh" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	g, _ := newTestGuard()
	ctx := context.Background()
	b, _ := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err := g.Release(ctx, "k", b.Owner); err != nil {
		t.Fatal(err)
	}
	again, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil || !again.IsNew || again.TakenOver {
		t.Fatalf("expected a fresh claim, got %+v %v", again, err)
	}
}

func TestGuard_FailsClosedWhenStoreUnreachable(t *testing.T) {
	fake, s := newTestStore()
	g := NewGuard(s, time.Minute, zap.NewNop())
	fake.SetHook(func(op, table string, input interface{}) error {
		return errors.New("connection refused")
	})
	b, err := g.CheckOrBegin(context.Background(), "purchase", "k", "fp", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if b != nil {
		t.Fatalf("must not report a claim when the store is down")
	}
}

func TestGuard_AwaitReturnsTerminal(t *testing.T) {
	g, _ := newTestGuard()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", "")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = g.Complete(context.Background(), "k", b.Owner, Outcome{Status: StatusSuccess, ResponseBody: "done"})
	}()
	rec, err := g.Await(ctx, "k", 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ResponseBody != "done" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGuard_AwaitHonoursContext(t *testing.T) {
	g, _ := newTestGuard()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.CheckOrBegin(ctx, "purchase", "k", "fp", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Await(ctx, "k", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey("deposit-confirm", "tx-1")
	b := DeriveKey("deposit-confirm", "tx-1")
	c := DeriveKey("deposit-confirm", "tx-2")
	if a != b || a == c {
		t.Fatalf("derive key not deterministic: %s %s %s", a, b, c)
	}
	if Fingerprint("a", "bc") == Fingerprint("ab", "c") {
		t.Fatal("fingerprint must separate parts")
	}
}
