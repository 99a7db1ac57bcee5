package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrTerminalRun        = errors.New("run already reached a terminal state")
	ErrNoPendingRun       = errors.New("no claimable run")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)

// ErrorKind is the failure taxonomy every external call is classified
// into at the point of failure. The orchestrator decides retry vs.
// abort from the kind alone, never from message text.
type ErrorKind string

const (
	// KindTransientIO covers network errors and timeouts. Retryable.
	KindTransientIO ErrorKind = "transient_io"
	// KindServiceRejection means the external service definitively
	// rejected the request (malformed input, auth, not found). Fatal.
	KindServiceRejection ErrorKind = "service_rejection"
	// KindCapacityExceeded covers rate limits and quota exhaustion.
	// Retryable with a longer backoff.
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	// KindCancelled is not a failure: the user asked the run to stop.
	KindCancelled ErrorKind = "cancelled_by_user"
)

// Retryable reports whether the orchestrator may retry the stage.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientIO || k == KindCapacityExceeded
}

// StageError is a classified failure returned by stage activities and
// the adapters beneath them.
type StageError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func NewStageError(kind ErrorKind, message string, cause error) *StageError {
	return &StageError{Kind: kind, Message: message, cause: cause}
}

func (e *StageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.cause }

// KindOf extracts the classified kind from err. Errors that escaped
// classification (programming errors, context expiry on our side) get
// a conservative default so the retry policy still behaves sanely.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	return KindServiceRejection
}

// MessageOf returns the user-presentable message for err. Raw internal
// error text never crosses this boundary.
func MessageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	switch KindOf(err) {
	case KindTransientIO:
		return "a dependency did not respond in time"
	case KindCapacityExceeded:
		return "a dependency is over capacity"
	case KindCancelled:
		return "analysis cancelled"
	default:
		return "analysis could not be completed"
	}
}
