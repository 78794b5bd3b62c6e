package exchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrOrderNotFound  = errors.New("order not found")
	// ErrDuplicateOrder means an order with the same client id is already live.
	ErrDuplicateOrder = errors.New("duplicate client order id")
)

// TransportError means the exchange could not be reached or did not answer
// in time. The call may be retried on a later tick.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: exchange unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is a business-level refusal. Retrying with the same
// parameters will fail again.
type RejectedError struct {
	Op     string
	Code   int64
	Reason string
	Err    error // optional sentinel such as ErrSymbolNotFound
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by exchange (code %d): %s", e.Op, e.Code, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ErrorKind groups exchange errors by how callers should react.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransport
	KindRejected
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTransport reports whether err is retryable transport trouble.
// Context deadlines count as transport failures.
func IsTransport(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsRejected reports whether the exchange refused the request.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case IsRejected(err):
		return KindRejected
	case IsTransport(err):
		return KindTransport
	default:
		return KindUnknown
	}
}
