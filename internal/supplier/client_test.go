package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "k",
		Timeout: 2 * time.Second,
		Poll:    Backoff{Attempts: 4, Initial: time.Millisecond, Max: 4 * time.Millisecond},
	}, zap.NewNop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestVerifyStock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/tok-1" || r.Header.Get("X-API-Key") != "k" {
			t.Errorf("unexpected request %s key=%q", r.URL.Path, r.Header.Get("X-API-Key"))
		}
		w.Write([]byte(`{"name":"Game Key","stock":3,"price":"500.00"}`))
	})
	s, err := c.VerifyStock(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("VerifyStock: %v", err)
	}
	if s.Stock != 3 || s.Price != money.MustParse("500.00") || s.Name != "Game Key" {
		t.Fatalf("unexpected stock %+v", s)
	}
}

func TestVerifyStock_DefensiveParsing(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
		want    Stock
	}{
		{"numeric price and string stock", `{"stock":"7","price":12.5}`, false, Stock{Ref: "r", Name: "r", Stock: 7, Price: 1250}},
		{"missing price", `{"stock":1}`, true, Stock{}},
		{"negative stock", `{"stock":-1,"price":"1"}`, true, Stock{}},
		{"fractional stock", `{"stock":1.5,"price":"1"}`, true, Stock{}},
		{"sub-cent price", `{"stock":1,"price":"1.001"}`, true, Stock{}},
		{"not json", `<html>`, true, Stock{}},
		{"blank name falls back", `{"name":"  ","stock":0,"price":"0"}`, false, Stock{Ref: "r", Name: "r"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			})
			s, err := c.VerifyStock(context.Background(), "r")
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *s != tc.want {
				t.Fatalf("got %+v want %+v", *s, tc.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status   int
		rejected bool
		unknown  bool
	}{
		{http.StatusNotFound, true, false},
		{http.StatusUnprocessableEntity, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusServiceUnavailable, false, true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"code":"x","message":"nope"}`))
		})
		_, err := c.RequestPurchase(context.Background(), PurchaseOrder{Ref: "r", Quantity: 1})
		if IsRejected(err) != tc.rejected || OutcomeUnknown(err) != tc.unknown {
			t.Fatalf("status %d: got %v", tc.status, err)
		}
	}
}

func TestRequestPurchase_Timeout(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer close(block)
	c.httpClient.Timeout = 20 * time.Millisecond

	_, err := c.RequestPurchase(context.Background(), PurchaseOrder{Ref: "r", Quantity: 1})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout got %v", err)
	}
}

func TestRequestPurchase_SendsOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["product_ref"] != "r" || body["quantity"].(float64) != 2 || body["promo_code"] != "SPRING" || body["client_reference"] != "o-1" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"order_id":98765}`))
	})
	id, err := c.RequestPurchase(context.Background(), PurchaseOrder{Ref: "r", Quantity: 2, PromotionCode: "SPRING", ClientReference: "o-1"})
	if err != nil || id != "98765" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestRetrieveCredentials(t *testing.T) {
	cases := []struct {
		body string
		want string
		err  error
	}{
		{`{"status":"ready","credentials":["a:1","b:2"]}`, "a:1\nb:2", nil},
		{`{"credentials":"solo"}`, "solo", nil},
		{`{"status":"pending"}`, "", ErrNotReady},
		{`{"status":"ready","credentials":[]}`, "", ErrNotReady},
		{`{"credentials":{"x":1}}`, "", ErrMalformed},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tc.body))
		})
		got, err := c.RetrieveCredentials(context.Background(), "ext")
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s: expected %v got %v", tc.body, tc.err, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v", tc.body, got, err)
		}
	}
}

func TestRetrieveCredentials_FailedStatusIsRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","message":"out of codes"}`))
	})
	_, err := c.RetrieveCredentials(context.Background(), "ext")
	if !IsRejected(err) {
		t.Fatalf("expected rejection got %v", err)
	}
}

func TestPollCredentials_EventuallyReady(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusAccepted)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`{"credentials":["code"]}`))
		}
	})
	got, err := c.PollCredentials(context.Background(), "ext")
	if err != nil || got != "code" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls got %d", calls)
	}
}

func TestPollCredentials_GivesUpAfterBudget(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"status":"pending"}`))
	})
	_, err := c.PollCredentials(context.Background(), "ext")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts got %d", calls)
	}
}

func TestPollCredentials_StopsOnRejection(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.PollCredentials(context.Background(), "ext")
	if !IsRejected(err) || calls != 1 {
		t.Fatalf("expected single rejected call, got %v after %d", err, calls)
	}
}

func TestPollCredentials_HonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.PollCredentials(ctx, "ext")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Attempts: 6, Initial: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w*time.Millisecond {
			t.Fatalf("delay(%d) = %v want %v", i+1, got, w*time.Millisecond)
		}
	}
}
