package deposits

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

// Status of a deposit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrStatusMismatch = errors.New("deposit status mismatch/conditional failed")
	ErrExists         = errors.New("deposit already exists")
	ErrTxConflict     = errors.New("deposit already bound to a different provider transaction")
)

// Deposit is the item stored in the deposits table. Amounts are fixed when the deposit is opened.
type Deposit struct {
	DepositID     string       `dynamodbav:"deposit_id"` // PK
	UserID        string       `dynamodbav:"user_id"`
	Method        string       `dynamodbav:"method"`
	Gross         money.Amount `dynamodbav:"gross"`
	PercentFee    money.Amount `dynamodbav:"percent_fee"`
	FixedFee      money.Amount `dynamodbav:"fixed_fee"`
	Charge        money.Amount `dynamodbav:"charge"`
	Net           money.Amount `dynamodbav:"net"`
	Status        Status       `dynamodbav:"status"`
	ProviderTxID  string       `dynamodbav:"provider_tx_id,omitempty"` // provider_tx_id-index
	Attempts      int          `dynamodbav:"attempts,omitempty"`
	ManualReview  bool         `dynamodbav:"manual_review,omitempty"`
	FailureReason string       `dynamodbav:"failure_reason,omitempty"`
	CreatedAt     time.Time    `dynamodbav:"created_at,unixtime"` // status-created_at-index sort key
	UpdatedAt     time.Time    `dynamodbav:"updated_at,unixtime"`
}

// Confirmation is an inbound payment-confirmed notification.
type Confirmation struct {
	ProviderTxID string
	// DepositID is optional; when the provider echoes it, an unseen transaction id is attached
	// to that deposit first.
	DepositID string
}

// Outcome of a confirmation.
const (
	OutcomeCredited         = "credited"
	OutcomeAlreadyCompleted = "already_completed"
)

// ConfirmResult is returned by OnPaymentConfirmed and cached for replays.
type ConfirmResult struct {
	DepositID string       `json:"deposit_id"`
	UserID    string       `json:"user_id"`
	Status    Status       `json:"status"`
	Outcome   string       `json:"outcome"`
	Net       money.Amount `json:"net"`
}

// SweepOptions bounds one sweep run.
type SweepOptions struct {
	MaxAttempts int
	// MaxAge is the staleness threshold after which a deposit with no transaction id fails.
	MaxAge      time.Duration
	LimitPerRun int
	// Grace skips deposits younger than this so the sweep does not race fresh webhooks.
	Grace time.Duration
}

// SweepReport counts what one run did.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	ManualReview int `json:"manual_review"`
	Errors       int `json:"errors"`
}

// Violation is a completed deposit with no matching ledger credit.
type Violation struct {
	DepositID string       `json:"deposit_id"`
	UserID    string       `json:"user_id"`
	Net       money.Amount `json:"net"`
}
