package validation

// PurchaseRequest is the payload for POST /purchases. The idempotency key travels in the
// Idempotency-Key header.
type PurchaseRequest struct {
	BuyerID       string `json:"buyer_id" validate:"required,max=128"`
	ProductID     string `json:"product_id" validate:"required,max=128"`
	SupplierRef   string `json:"supplier_ref,omitempty" validate:"omitempty,max=128"` // defaults to product_id
	Quantity      int    `json:"quantity" validate:"required,min=1,max=100"`
	PromotionCode string `json:"promotion_code,omitempty" validate:"omitempty,max=64,alphanum"`
}

// OpenDepositRequest is the payload for POST /deposits.
type OpenDepositRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Amount string `json:"amount" validate:"required,money"` // decimal string, e.g. "50.00"
	Method string `json:"method" validate:"required,max=32"`
}

// AttachTransactionRequest is the payload for POST /deposits/:id/transaction.
type AttachTransactionRequest struct {
	ProviderTxID string `json:"provider_tx_id" validate:"required,max=128"`
}

// Payment webhook statuses.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// PaymentWebhookRequest is the payment provider's notification.
type PaymentWebhookRequest struct {
	ProviderTxID string `json:"provider_tx_id" validate:"required,max=128"`
	DepositID    string `json:"deposit_id,omitempty" validate:"omitempty,uuid"`
	Status       string `json:"status" validate:"required,oneof=succeeded failed"`
	Reason       string `json:"reason,omitempty" validate:"max=500"`
}

// LoginEventRequest is the payload for POST /fraud/logins.
type LoginEventRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Success   *bool  `json:"success" validate:"required"`
	IP        string `json:"ip,omitempty" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent,omitempty" validate:"max=512"`
}

// RefundRequest is the payload for POST /orders/:id/refund.
type RefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}
