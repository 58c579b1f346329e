package ledger

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

// Kind labels why a balance moved.
type Kind string

const (
	KindPurchaseDebit  Kind = "purchase_debit"
	KindPurchaseRefund Kind = "purchase_refund"
	KindDepositCredit  Kind = "deposit_credit"
	KindAdminOverride  Kind = "admin_override"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateEntry means an adjustment with the same entry id was already applied.
	ErrDuplicateEntry    = errors.New("ledger entry already applied")
	ErrInvalidAdjustment = errors.New("invalid adjustment")
	// ErrBalanceUnknown means the adjustment committed but the balance could not be read back.
	// Callers must treat the adjustment as applied.
	ErrBalanceUnknown    = errors.New("adjustment applied, balance unknown")
)

// Account is the balances table item.
type Account struct {
	UserID    string       `dynamodbav:"user_id"`
	Balance   money.Amount `dynamodbav:"balance"`
	UpdatedAt time.Time    `dynamodbav:"updated_at"`
}

// Entry is one applied signed delta. (user_id, entry_id) is unique.
type Entry struct {
	UserID    string       `dynamodbav:"user_id"`
	EntryID   string       `dynamodbav:"entry_id"`
	Seq       string       `dynamodbav:"seq"`
	Kind      Kind         `dynamodbav:"kind"`
	Delta     money.Amount `dynamodbav:"delta"`
	Reference string       `dynamodbav:"reference,omitempty"`
	Note      string       `dynamodbav:"note,omitempty"`
	CreatedAt int64        `dynamodbav:"created_at"` // unix millis
}

// Adjustment requests a signed delta on a user's balance.
type Adjustment struct {
	UserID    string
	Delta     money.Amount
	EntryID   string
	Kind      Kind
	Reference string
	Note      string
	// AllowNegative skips the non-negative guard. Administrative use only.
	AllowNegative bool
}

// Report compares the stored balance with the sum of the user's entries.
type Report struct {
	UserID   string
	Stored   money.Amount
	Computed money.Amount
	Entries  int
}

// Drift is Stored minus Computed; zero when consistent.
func (r *Report) Drift() money.Amount { return r.Stored - r.Computed }

// Consistent reports whether the stored balance matches history and is non-negative.
func (r *Report) Consistent() bool { return r.Drift() == 0 && r.Stored >= 0 }

// DebitEntryID, RefundEntryID and CreditEntryID name entries after the business object they
// belong to, which makes replays collide on the unique entry key.
func DebitEntryID(orderID string) string  { return "order:" + orderID + ":debit" }
func RefundEntryID(orderID string) string { return "order:" + orderID + ":refund" }
func CreditEntryID(depositID string) string {
	return "deposit:" + depositID + ":credit"
}
