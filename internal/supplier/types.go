package supplier

import (
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

var (
	// ErrUnavailable covers timeouts, transport failures, 5xx and throttling. The remote side may
	// or may not have acted on the request.
	ErrUnavailable = errors.New("supplier unavailable")
	// ErrNotReady means the supplier accepted the order but has not delivered yet.
	ErrNotReady = errors.New("credentials not ready")
	// ErrMalformed means a 2xx response could not be decoded into the expected shape.
	ErrMalformed = errors.New("malformed supplier response")
)

// RejectedError is a definite refusal by the supplier (4xx or an explicit failure status).
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supplier rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supplier rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err is a hard supplier refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// OutcomeUnknown reports whether err leaves the remote effect undetermined.
func OutcomeUnknown(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformed)
}

// Stock is the live listing for a product reference.
type Stock struct {
	Ref   string
	Name  string
	Stock int
	Price money.Amount
}

// PurchaseOrder asks the supplier to fulfil quantity units of Ref.
type PurchaseOrder struct {
	Ref           string
	Quantity      int
	PromotionCode string
	// ClientReference lets the supplier deduplicate repeated submissions of the same order.
	ClientReference string
}

// Backoff bounds a polling loop.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the wait before attempt n+1, doubling from Initial and capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
