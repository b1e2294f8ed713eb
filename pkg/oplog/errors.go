package oplog

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when an entry carries a variant this build does not know.
	ErrUnknownKind = errors.New("unknown oplog entry kind")
	// ErrMissingCreate is returned when a log does not start with a Create entry.
	ErrMissingCreate = errors.New("oplog does not start with create")
	// ErrOutOfOrder is returned when indices are not strictly increasing and gap-free.
	ErrOutOfOrder = errors.New("oplog index out of order")
	// ErrChecksumMismatch is returned when stored bytes do not match their digest.
	ErrChecksumMismatch = errors.New("oplog entry checksum mismatch")
	// ErrPayloadTooLarge is returned when an encoded entry exceeds the configured ceiling.
	ErrPayloadTooLarge = errors.New("oplog payload too large")
	// ErrResourceIDExhausted is returned when no further resource ids can be assigned.
	ErrResourceIDExhausted = errors.New("resource id space exhausted")
	// ErrNotFound is returned when a worker has no oplog.
	ErrNotFound = errors.New("oplog not found")
	// ErrWorkerExists is returned when a target worker already has an oplog.
	ErrWorkerExists = errors.New("worker already exists")
	// ErrInteriorRevert is returned for revert ranges that are not a suffix.
	ErrInteriorRevert = errors.New("reverting an interior range is not supported")
	// ErrDivergence is returned when live execution disagrees with the recorded history.
	ErrDivergence = errors.New("replay diverged from oplog")
	// ErrInvocationCompleted is returned when cancelling an invocation that already finished.
	ErrInvocationCompleted = errors.New("invocation already completed")
	// ErrInvocationNotFound is returned when an idempotency key is unknown to the worker.
	ErrInvocationNotFound = errors.New("invocation not found")
)

// IntegrityError reports a corrupt or inconsistent log. It is fatal for the
// activation of the affected worker and must never be skipped.
type IntegrityError struct {
	Worker WorkerID
	Index  Index
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("oplog integrity violation for %s at index %d: %v", e.Worker, e.Index, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// CapacityError is returned synchronously at emit time and never queued.
type CapacityError struct {
	Limit  int
	Actual int
	Err    error
}

func (e *CapacityError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%v: %d bytes exceeds limit of %d", e.Err, e.Actual, e.Limit)
	}
	return e.Err.Error()
}

func (e *CapacityError) Unwrap() error { return e.Err }

// TransientError wraps a storage failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool {
	var i *IntegrityError
	return errors.As(err, &i)
}
