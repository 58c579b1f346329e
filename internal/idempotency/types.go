package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusError      = "ERROR"
)

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Scope          string    `dynamodbav:"scope,omitempty"`
	Status         string    `dynamodbav:"status"`
	Fingerprint    string    `dynamodbav:"fingerprint,omitempty"`
	RequestBody    string    `dynamodbav:"request_body,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ErrorKind      string    `dynamodbav:"error_kind,omitempty"`
	Owner          string    `dynamodbav:"owner,omitempty"`
	LeaseUntil     int64     `dynamodbav:"lease_until"` // unix millis
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Terminal reports whether the record reached SUCCESS or ERROR.
func (r *Record) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}

// Outcome is what Complete stores for later replays.
type Outcome struct {
	Status       string
	ResponseBody string
	ErrorKind    string
}

// Begin is the result of CheckOrBegin.
type Begin struct {
	// IsNew is true when the caller now owns the key and must run the operation.
	IsNew bool
	// TakenOver is true when the key was reclaimed from a holder whose lease expired; the caller
	// should resume from persisted state rather than assume nothing happened.
	TakenOver bool
	// Owner is the lease token to pass to Release.
	Owner string
	// Cached is the terminal record when IsNew is false.
	Cached *Record
}
