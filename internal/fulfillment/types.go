package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-goods-ledger/internal/fraud"
	"github.com/imrishuroy/go-goods-ledger/internal/idempotency"
	"github.com/imrishuroy/go-goods-ledger/internal/ledger"
	"github.com/imrishuroy/go-goods-ledger/internal/money"
	"github.com/imrishuroy/go-goods-ledger/internal/orders"
	"github.com/imrishuroy/go-goods-ledger/internal/supplier"
)

const purchaseScope = "purchase"

// orderNamespace seeds order ids derived from (buyer, idempotency key).
var orderNamespace = uuid.MustParse("0b8f3c52-7a41-5d2e-9c6b-41e0f7d2a913")

// OrderIDFor returns the order id a purchase with this key will use. Retries with the same key
// always land on the same order.
func OrderIDFor(buyerID, idempotencyKey string) string {
	return uuid.NewSHA1(orderNamespace, []byte(buyerID+"\x1f"+idempotencyKey)).String()
}

// Supplier is the part of the supplier client the orchestrator drives.
type Supplier interface {
	VerifyStock(ctx context.Context, ref string) (*supplier.Stock, error)
	RequestPurchase(ctx context.Context, po supplier.PurchaseOrder) (string, error)
	PollCredentials(ctx context.Context, externalOrderID string) (string, error)
}

// Ledger is the part of the balance ledger purchases need.
type Ledger interface {
	Adjust(ctx context.Context, adj ledger.Adjustment) (money.Amount, error)
	Balance(ctx context.Context, userID string) (money.Amount, error)
	Entry(ctx context.Context, userID, entryID string) (*ledger.Entry, error)
	HasEntry(ctx context.Context, userID, entryID string) (bool, error)
	EntriesByKind(ctx context.Context, kind ledger.Kind, from, to time.Time, limit int) ([]ledger.Entry, error)
}

// FraudChecker is satisfied by *fraud.Sentinel.
type FraudChecker interface {
	CheckPurchase(userID string, amount money.Amount, productID string) fraud.Verdict
	SecondaryCheck(userID string, amount money.Amount, meta fraud.ActorMeta) fraud.Verdict
	RecordPurchase(userID string, amount money.Amount, productID string, meta fraud.ActorMeta) fraud.Verdict
	ReportBlock(userID string, amount money.Amount, productID string, v fraud.Verdict)
}

// Guard is satisfied by *idempotency.Guard.
type Guard interface {
	CheckOrBegin(ctx context.Context, scope, key, fingerprint, requestBody string) (*idempotency.Begin, error)
	Complete(ctx context.Context, key, owner string, out idempotency.Outcome) error
	Release(ctx context.Context, key, owner string) error
}

// Queue carries fulfilment retry jobs. *aws.Publisher satisfies it.
type Queue interface {
	PublishJSON(ctx context.Context, msg interface{}, attributes map[string]string) error
}

// Metrics counts operational events.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string) error
}

// PurchaseRequest is one buyer's purchase.
type PurchaseRequest struct {
	BuyerID   string
	ProductID string
	// SupplierRef is the supplier's product reference. Defaults to ProductID.
	SupplierRef    string
	Quantity       int
	PromotionCode  string
	IdempotencyKey string
	Meta           fraud.ActorMeta
}

func (r PurchaseRequest) supplierRef() string {
	if r.SupplierRef != "" {
		return r.SupplierRef
	}
	return r.ProductID
}

func (r PurchaseRequest) validate() error {
	switch {
	case strings.TrimSpace(r.BuyerID) == "":
		return fmt.Errorf("buyer id is required")
	case strings.TrimSpace(r.ProductID) == "":
		return fmt.Errorf("product id is required")
	case r.Quantity <= 0:
		return fmt.Errorf("quantity must be positive")
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return fmt.Errorf("idempotency key is required")
	}
	return nil
}

func (r PurchaseRequest) fingerprint() string {
	return idempotency.Fingerprint(r.BuyerID, r.ProductID, r.supplierRef(), fmt.Sprint(r.Quantity), r.PromotionCode)
}

// PurchaseResult is returned for a completed purchase and for replays of one.
type PurchaseResult struct {
	OrderID       string        `json:"order_id"`
	Status        orders.Status `json:"status"`
	ProductID     string        `json:"product_id"`
	ProductName   string        `json:"product_name,omitempty"`
	Quantity      int           `json:"quantity"`
	UnitPrice     money.Amount  `json:"unit_price"`
	Total         money.Amount  `json:"total"`
	PromotionCode string        `json:"promotion_code,omitempty"`
	Credentials   string        `json:"credentials,omitempty"`
	Replayed      bool          `json:"replayed,omitempty"`
}

func resultOf(o *orders.Order) *PurchaseResult {
	return &PurchaseResult{
		OrderID:       o.OrderID,
		Status:        o.Status,
		ProductID:     o.ProductID,
		ProductName:   o.ProductName,
		Quantity:      o.Quantity,
		UnitPrice:     o.UnitPrice,
		Total:         o.Total,
		PromotionCode: o.PromotionCode,
		Credentials:   o.Credentials,
	}
}

// FulfillmentJob is the retry message consumed by the worker.
type FulfillmentJob struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// ReconcileOptions bound one reconciliation pass.
type ReconcileOptions struct {
	// Grace is how long an order or debit may sit untouched before it is treated as stuck.
	Grace time.Duration
	// Lookback bounds the orphan debit and missing refund scans.
	Lookback time.Duration
	// Limit caps the items examined per category. Zero means no cap.
	Limit int
	// MaxAttempts stops re-enqueueing a partial failure; zero means no limit.
	MaxAttempts int
}

// ReconcileReport counts what a pass did.
type ReconcileReport struct {
	OrphanDebitsRefunded int `json:"orphan_debits_refunded"`
	StuckReservedRefund  int `json:"stuck_reserved_refunded"`
	MissingRefunds       int `json:"missing_refunds_credited"`
	StuckRequested       int `json:"stuck_requested_held"`
	Requeued             int `json:"requeued"`
	Completed            int `json:"completed"`
	ManualReview         int `json:"manual_review"`
	Errors               int `json:"errors"`
}
