// Package gateway provides the shared error taxonomy for external gateway
// calls (embedding, rerank, rewrite, content index).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout marks a gateway call that exceeded its deadline. Timeouts
	// are retryable failures of that single call, not of the surrounding
	// operation.
	ErrTimeout = errors.New("gateway timeout")

	// ErrIndexMismatch marks a gateway response whose index tags could not
	// be aligned to the request. Alignment failures are fatal to the
	// request; scores must never be zipped positionally as a fallback.
	ErrIndexMismatch = errors.New("gateway response indices do not match request")
)

// CallError wraps a failure of a single gateway call with the gateway name
// and operation for logging and classification.
type CallError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s gateway: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Wrap classifies err as a timeout or a plain gateway failure and wraps it
// with call context. Returns nil when err is nil.
func Wrap(gatewayName, op string, err error) error {
	if err == nil {
		return nil
	}
	if isDeadline(err) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &CallError{Gateway: gatewayName, Op: op, Err: err}
}

// IsTimeout reports whether err represents a gateway timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
