package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a stage failure.
type ErrorKind string

// Error kinds recorded on stage outcomes.
const (
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindPermanent         ErrorKind = "permanent"
	ErrorKindResourceExhausted ErrorKind = "resource_exhausted"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// ValidationError reports bad input. It fails admission before a job exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientStageError wraps a failure worth retrying (network, rate limit,
// process timeout).
type TransientStageError struct {
	Err error
}

func (e *TransientStageError) Error() string { return e.Err.Error() }

func (e *TransientStageError) Unwrap() error { return e.Err }

// PermanentStageError wraps a failure that retrying cannot fix (auth,
// invalid target, malformed output).
type PermanentStageError struct {
	Err error
}

func (e *PermanentStageError) Error() string { return e.Err.Error() }

func (e *PermanentStageError) Unwrap() error { return e.Err }

// ResourceExhaustedError is returned when a pool token could not be acquired
// in time. Stages treat it as transient.
type ResourceExhaustedError struct {
	Resource string
	Err      error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted: %v", e.Resource, e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// QueueCapacityError rejects a submission when the admission queue is full.
type QueueCapacityError struct {
	Capacity int
}

func (e *QueueCapacityError) Error() string {
	return fmt.Sprintf("audit queue is full (%d waiting)", e.Capacity)
}

// QueueTimeoutError marks a job that waited in the queue past its bound.
type QueueTimeoutError struct {
	Waited time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting in queue", e.Waited.Round(time.Millisecond))
}

// CacheUnavailableError wraps a cache store failure. It is logged and never
// returned to callers.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// ClientLimitError rejects a submission when a client already has too many
// active jobs.
type ClientLimitError struct {
	ClientID string
	Limit    int
}

func (e *ClientLimitError) Error() string {
	return fmt.Sprintf("client %s already has %d active audits", e.ClientID, e.Limit)
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientStageError{Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentStageError{Err: err}
}

// Classify maps err onto an ErrorKind. Unmarked errors are assumed transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		permanent *PermanentStageError
		exhausted *ResourceExhaustedError
		transient *TransientStageError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &permanent):
		return ErrorKindPermanent
	case errors.As(err, &exhausted):
		return ErrorKindResourceExhausted
	case errors.As(err, &transient):
		return ErrorKindTransient
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTransient
	case errors.As(err, &netErr):
		return ErrorKindTransient
	default:
		return ErrorKindTransient
	}
}

// IsRetryable reports whether a stage should attempt again after err.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorKindTransient, ErrorKindResourceExhausted:
		return true
	default:
		return false
	}
}
