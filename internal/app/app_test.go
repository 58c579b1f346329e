package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/aws"
	"github.com/imrishuroy/go-goods-ledger/internal/config"
	"github.com/imrishuroy/go-goods-ledger/internal/handlers"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/testutil"
)

func newSupplierServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/products/tok-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Gift card","stock":5,"price":"40.00"}`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"order_id":"ext-9"}`))
	})
	mux.HandleFunc("/orders/ext-9/credentials", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"delivered","credentials":["A","B"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("SUPPLIER_BASE_URL", newSupplierServer(t).URL)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	fake := testutil.NewFakeDynamo()
	fake.CreateTable(cfg.Tables.Idempotency, "idempotency_key", "")
	fake.CreateTable(cfg.Tables.Orders, "order_id", "")
	fake.AddIndex(cfg.Tables.Orders, "status-updated_at-index", "status", "updated_at")
	fake.CreateTable(cfg.Tables.Deposits, "deposit_id", "")
	fake.AddIndex(cfg.Tables.Deposits, "provider_tx_id-index", "provider_tx_id", "")
	fake.AddIndex(cfg.Tables.Deposits, "status-created_at-index", "status", "created_at")
	fake.CreateTable(cfg.Tables.Balances, "user_id", "")
	fake.CreateTable(cfg.Tables.Ledger, "user_id", "entry_id")
	fake.AddIndex(cfg.Tables.Ledger, "kind-created_at-index", "kind", "created_at")

	a, err := Wire(cfg, &aws.AWSClients{DynamoDB: fake}, zap.NewNop())
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func call(t *testing.T, r http.Handler, method, path, body string, header map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestDepositThenPurchase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestApp(t)
	r := handlers.NewRouter(a.HandlerConfig())
	ctx := context.Background()

	code, dep := call(t, r, http.MethodPost, "/deposits", `{"user_id":"u1","amount":"100.00","method":"card"}`, nil)
	if code != http.StatusCreated {
		t.Fatalf("open deposit: %d %v", code, dep)
	}
	id, _ := dep["deposit_id"].(string)

	if code, body := call(t, r, http.MethodPost, "/deposits/"+id+"/transaction", `{"provider_tx_id":"tx-1"}`, nil); code != http.StatusOK {
		t.Fatalf("attach: %d %v", code, body)
	}
	for i := 0; i < 2; i++ {
		if code, body := call(t, r, http.MethodPost, "/webhooks/payments", `{"provider_tx_id":"tx-1","status":"succeeded"}`, nil); code != http.StatusOK {
			t.Fatalf("webhook %d: %d %v", i, code, body)
		}
	}
	if got, _ := a.Ledger.Balance(ctx, "u1"); got != money.MustParse("96.10") {
		t.Fatalf("expected net credit once, balance %s", got)
	}

	hdr := map[string]string{"Idempotency-Key": "buy-1"}
	purchase := `{"buyer_id":"u1","product_id":"p1","supplier_ref":"tok-1","quantity":2}`
	code, res := call(t, r, http.MethodPost, "/purchases", purchase, hdr)
	if code != http.StatusCreated {
		t.Fatalf("purchase: %d %v", code, res)
	}
	if res["credentials"] != "A\nB" {
		t.Fatalf("unexpected purchase result %v", res)
	}
	if got, _ := a.Ledger.Balance(ctx, "u1"); got != money.MustParse("16.10") {
		t.Fatalf("unexpected balance after purchase %s", got)
	}

	if code, _ := call(t, r, http.MethodPost, "/purchases", purchase, hdr); code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", code)
	}
	if got, _ := a.Ledger.Balance(ctx, "u1"); got != money.MustParse("16.10") {
		t.Fatalf("replay charged again, balance %s", got)
	}

	orderID, _ := res["order_id"].(string)
	code, ord := call(t, r, http.MethodGet, "/orders/"+orderID, "", nil)
	if code != http.StatusOK || ord["status"] != "COMPLETED" {
		t.Fatalf("get order: %d %v", code, ord)
	}

	report, err := a.Ledger.Reconcile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent() {
		t.Fatalf("ledger drift: %+v", report)
	}

	if code, body := call(t, r, http.MethodPost, "/purchases", `{"buyer_id":"u1","product_id":"p1","supplier_ref":"tok-1","quantity":1}`,
		map[string]string{"Idempotency-Key": "buy-2"}); code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 on low balance, got %d %v", code, body)
	}
}

func TestWire_AuditSinks(t *testing.T) {
	cfg := &config.Config{Audit: config.Audit{Sink: "pigeon"}}
	if _, err := newAuditSink(cfg.Audit, zap.NewNop()); err == nil {
		t.Fatal("expected unknown sink error")
	}
	if _, err := newAuditSink(config.Audit{Sink: config.AuditSinkKafka}, zap.NewNop()); err == nil {
		t.Fatal("expected error without brokers")
	}
	sink, err := newAuditSink(config.Audit{Sink: config.AuditSinkRedis, RedisAddr: "localhost:6379", Stream: "s"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sink.Close()
}
