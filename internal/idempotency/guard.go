package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the store could not be reached; idempotency cannot be guaranteed and
	// the outer operation must abort.
	ErrUnavailable = errors.New("idempotency store unavailable")
	// ErrConflict means another caller holds a live lease on the key.
	ErrConflict = errors.New("idempotency key is being processed")
	// ErrFingerprintMismatch means the key was first used for a different request.
	ErrFingerprintMismatch = errors.New("idempotency key reused with different request")
	// ErrInvalidKey rejects empty or oversized keys.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrLeaseLost means another caller took the key over before the outcome was stored.
	ErrLeaseLost = errors.New("idempotency lease taken over")
)

const (
	maxKeyLength   = 255
	maxBeginRounds = 3
)

// Guard gives at-most-once execution per key on top of Store.
type Guard struct {
	store   *Store
	lease   time.Duration
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewGuard returns a Guard. lease bounds how long a crashed holder blocks the key.
func NewGuard(store *Store, lease time.Duration, logger *zap.Logger) *Guard {
	return &Guard{
		store:   store,
		lease:   lease,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// CheckOrBegin either returns the cached terminal record for key or claims the key for the caller.
// fingerprint identifies the logical request; an existing record with a different fingerprint is
// rejected with ErrFingerprintMismatch.
func (g *Guard) CheckOrBegin(ctx context.Context, scope, key, fingerprint, requestBody string) (*Begin, error) {
	if key == "" || len(key) > maxKeyLength {
		return nil, ErrInvalidKey
	}

	for round := 0; round < maxBeginRounds; round++ {
		owner := uuid.NewString()
		now := g.nowFunc()
		created, err := g.store.CreateIfNotExists(ctx, Record{
			IdempotencyKey: key,
			Scope:          scope,
			Fingerprint:    fingerprint,
			RequestBody:    requestBody,
			Owner:          owner,
			LeaseUntil:     now.Add(g.lease).UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if created {
			return &Begin{IsNew: true, Owner: owner}, nil
		}

		rec, err := g.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if rec == nil {
			// released or expired between the put and the read
			continue
		}
		if rec.Fingerprint != "" && fingerprint != "" && rec.Fingerprint != fingerprint {
			return nil, ErrFingerprintMismatch
		}
		if rec.Terminal() {
			return &Begin{Cached: rec}, nil
		}
		if rec.LeaseUntil >= now.UnixMilli() {
			return nil, ErrConflict
		}

		took, err := g.store.TakeOver(ctx, key, owner, now.Add(g.lease))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if took {
			g.logger.Warn("took over expired idempotency lease",
				zap.String("idempotency_key", key),
				zap.String("previous_owner", rec.Owner))
			return &Begin{IsNew: true, TakenOver: true, Owner: owner}, nil
		}
	}
	return nil, ErrConflict
}

// Complete stores the terminal outcome for the claim held by owner. Calls on an already terminal
// key are no-ops; a claim that was taken over returns ErrLeaseLost and leaves the record alone.
func (g *Guard) Complete(ctx context.Context, key, owner string, out Outcome) error {
	stored, err := g.store.Complete(ctx, key, owner, out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if stored {
		return nil
	}
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rec != nil && rec.Status == StatusProcessing && rec.Owner != owner {
		g.logger.Warn("idempotency lease lost before completion",
			zap.String("idempotency_key", key),
			zap.String("owner", owner),
			zap.String("current_owner", rec.Owner))
		return ErrLeaseLost
	}
	g.logger.Debug("idempotency key already terminal", zap.String("idempotency_key", key))
	return nil
}

// Release drops a PROCESSING claim so the same key can be retried. Only safe when the operation
// failed before any side effect.
func (g *Guard) Release(ctx context.Context, key, owner string) error {
	if _, err := g.store.Delete(ctx, key, owner); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Await polls key until it is terminal or ctx ends.
func (g *Guard) Await(ctx context.Context, key string, interval time.Duration) (*Record, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := g.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if rec != nil && rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fingerprint hashes the parts of a logical request.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// DeriveKey builds a deterministic key from request content, so a retried request maps to the
// same key without the client having to remember one.
func DeriveKey(scope string, parts ...string) string {
	return scope + ":" + Fingerprint(parts...)[:32]
}
