// Package audit is the durable, best-effort trail of security-relevant events. Writes never fail
// the operation that produced them.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types.
const (
	TypeLogin         = "login"
	TypePurchase      = "purchase"
	TypeFraudBlocked  = "fraud_blocked"
	TypeOrderActivity = "order_activity"
)

// Event is one audit record.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Actor      string            `json:"actor"`
	Suspicious bool              `json:"suspicious"`
	Reasons    []string          `json:"reasons,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent stamps a sortable id and the occurrence time.
func NewEvent(typ, actor string, at time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Type:       typ,
		Actor:      actor,
		OccurredAt: at.UTC(),
		Attributes: map[string]string{},
	}
}

// Encode is the wire form shared by every sink.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Write(context.Context, Event) error { return nil }
func (Nop) Close() error                       { return nil }
