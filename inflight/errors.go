package inflight

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvariant matches every *InvariantError. It signals misuse of a
	// tracker by its caller and is never worth retrying.
	ErrInvariant = errors.New("inflight: protocol invariant violated")

	// ErrRequestTimeout matches every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("inflight: request timed out")

	ErrInvalidDescriptor      = errors.New("inflight: invalid request descriptor")
	ErrConnectionClosed       = errors.New("inflight: connection closed")
	ErrQueueClosed            = errors.New("inflight: queue closed")
	ErrDuplicateCorrelationID = errors.New("inflight: correlation id already in flight")
	ErrUnknownCorrelationID   = errors.New("inflight: no request in flight for correlation id")
)

// InvariantError is returned when an operation is invoked in a state that
// does not allow it, e.g. a second Send or a Completed after a timeout.
type InvariantError struct {
	Op            string
	CorrelationID int32
	State         State
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("inflight: %s called on request %d in state %s", e.Op, e.CorrelationID, e.State)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

func (e *InvariantError) Retriable() bool { return false }

// RequestTimeoutError is delivered to SettleFailure when a request did not
// complete within its request timeout.
type RequestTimeoutError struct {
	Broker          string
	CorrelationID   int32
	APIKey          int16
	APIName         string
	APIVersion      int16
	CreatedAt       time.Time
	SentAt          time.Time
	PendingDuration time.Duration
	Elapsed         time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("inflight: request %s(key: %d, version: %d) to %s with correlation id %d timed out after %s",
		e.APIName, e.APIKey, e.APIVersion, e.Broker, e.CorrelationID, e.Elapsed)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

func (e *RequestTimeoutError) Timeout() bool   { return true }
func (e *RequestTimeoutError) Temporary() bool { return true }
func (e *RequestTimeoutError) Retriable() bool { return true }
