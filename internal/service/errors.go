package service

import (
	"errors"
	"fmt"
)

// Kind enumerates the checkout failure taxonomy.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindServiceUnavailable Kind = "service_unavailable"
	KindPaymentDeclined    Kind = "payment_declined"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindPersistence        Kind = "persistence_error"
	KindRefundFailed       Kind = "refund_failed"
	KindConfiguration      Kind = "configuration_error"
)

// Error is the failure a checkout surfaces to its caller. RefundIssued
// reports that a compensating refund was confirmed for an
// already-approved payment; RefundFailed errors are the one path where
// money may be stranded and an operator must reconcile manually.
type Error struct {
	Kind         Kind
	Message      string
	RefundIssued bool
	cause        error
}

func (e *Error) Error() string {
	if e.RefundIssued {
		return fmt.Sprintf("%s: %s (payment refunded)", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// KindOf extracts the failure kind, or "" for nil / foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
