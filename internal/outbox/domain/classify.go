package domain

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Class decides how the queue treats a handler failure.
type Class string

const (
	ClassTransient      Class = "transient"
	ClassPermanent      Class = "permanent"
	ClassStaleReference Class = "stale_reference"
	ClassUnknown        Class = "unknown"
)

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Permanent marks err as unrecoverable by retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// StaleReference marks err as caused by a referenced entity that no longer
// exists. The job completes as skipped.
func StaleReference(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassStaleReference, err: err}
}

// Transient marks err as worth retrying with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Classify maps a handler error onto the closed set of classes. Explicit
// markers win; otherwise timeouts, network errors, retryable faults and
// postgres contention codes are transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}

	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownJobType) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) && retryable.IsRetryable() {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "08000", "08003", "08006":
			return ClassTransient
		}
	}

	return ClassUnknown
}
