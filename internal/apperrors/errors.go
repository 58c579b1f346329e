// Package apperrors carries the failure taxonomy shared by purchases and deposits. Each Kind has a
// fixed retry contract that callers and the HTTP layer rely on.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller may safely do next.
type Kind string

const (
	// KindValidation: bad input, nothing happened. Safe to retry after fixing input.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindInsufficientBalance: terminal, nothing happened.
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	// KindFraudBlocked: terminal, needs a human.
	KindFraudBlocked Kind = "FRAUD_BLOCKED"
	// KindSupplierUnavailable: the supplier may or may not have acted. Check before retrying.
	KindSupplierUnavailable Kind = "SUPPLIER_UNAVAILABLE"
	// KindSupplierError: the supplier refused the order and the debit was reversed. Terminal.
	KindSupplierError Kind = "SUPPLIER_ERROR"
	// KindPartialFailure: money moved, goods not confirmed. Never dropped.
	KindPartialFailure Kind = "PARTIAL_FAILURE"
	// KindIdempotencyConflict: a duplicate is still running. Treat as pending and poll.
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	// KindNotFound: the referenced order or deposit does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindInternal: storage or programming failure.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified failure. OrderID is set whenever an order exists that a retry must reuse.
type Error struct {
	Kind    Kind
	Op      string
	OrderID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithOrder returns a copy of e bound to an order id.
func (e *Error) WithOrder(orderID string) *Error {
	cp := *e
	cp.OrderID = orderID
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OrderIDOf returns the order reference carried by err, if any.
func OrderIDOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.OrderID
	}
	return ""
}

// Retriable reports whether the caller may retry the same request later.
func Retriable(kind Kind) bool {
	switch kind {
	case KindSupplierUnavailable, KindIdempotencyConflict, KindPartialFailure, KindInternal:
		return true
	default:
		return false
	}
}
