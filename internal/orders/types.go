package orders

import (
	"time"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

// Status is an order's position in the fulfilment pipeline.
type Status string

// Persisted statuses. An order record exists from BALANCE_RESERVED onwards.
const (
	StatusBalanceReserved   Status = "BALANCE_RESERVED"
	StatusPurchaseRequested Status = "SUPPLIER_PURCHASE_REQUESTED"
	StatusCredentials       Status = "CREDENTIALS_RETRIEVED"
	StatusCompleted         Status = "COMPLETED"
	StatusSupplierError     Status = "SUPPLIER_ERROR"
	StatusPartialFailure    Status = "PARTIAL_FAILURE"
	StatusRefunded          Status = "REFUNDED"
)

// Attempt outcomes that end a purchase before any order record is written.
const (
	StatusInitiated           Status = "INITIATED"
	StatusStockVerified       Status = "STOCK_VERIFIED"
	StatusVerificationFailed  Status = "VERIFICATION_FAILED"
	StatusInsufficientBalance Status = "INSUFFICIENT_BALANCE"
	StatusFraudBlocked        Status = "FRAUD_BLOCKED"
)

var transitions = map[Status][]Status{
	StatusBalanceReserved:   {StatusPurchaseRequested, StatusSupplierError, StatusPartialFailure, StatusRefunded},
	StatusPurchaseRequested: {StatusCredentials, StatusPartialFailure, StatusSupplierError, StatusRefunded},
	StatusCredentials:       {StatusCompleted},
	StatusPartialFailure:    {StatusCredentials, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order represents the item stored in the orders table.
type Order struct {
	OrderID         string       `dynamodbav:"order_id"` // PK
	BuyerID         string       `dynamodbav:"buyer_id"`
	ProductID       string       `dynamodbav:"product_id"`
	SupplierRef     string       `dynamodbav:"supplier_ref"`
	ProductName     string       `dynamodbav:"product_name,omitempty"`
	Quantity        int          `dynamodbav:"quantity"`
	UnitPrice       money.Amount `dynamodbav:"unit_price"`
	Total           money.Amount `dynamodbav:"total"`
	PromotionCode   string       `dynamodbav:"promotion_code,omitempty"`
	Status          Status       `dynamodbav:"status"`
	ExternalOrderID string       `dynamodbav:"external_order_id,omitempty"`
	Credentials     string       `dynamodbav:"credentials,omitempty"`
	FailureReason   string       `dynamodbav:"failure_reason,omitempty"`
	IdempotencyKey  string       `dynamodbav:"idempotency_key,omitempty"`
	Attempts        int          `dynamodbav:"attempts,omitempty"`
	CreatedAt       time.Time    `dynamodbav:"created_at,unixtime"`
	UpdatedAt       time.Time    `dynamodbav:"updated_at,unixtime"` // status-updated_at-index sort key
}

// Retriable reports whether only the fulfilment steps remain to be retried.
func (o *Order) Retriable() bool {
	return o.ExternalOrderID != "" && (o.Status == StatusPartialFailure || o.Status == StatusPurchaseRequested)
}
