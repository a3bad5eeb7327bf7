package queue

import "errors"

// Common queue errors.
var (
	// ErrUnknownQueue is returned for a queue name outside the closed set.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidSchedule is returned when a schedule time lies outside
	// [now, now+MaxScheduleHorizon] or both a delay and a time are given.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrUnknownJob is returned when no handler is registered for a queue.
	ErrUnknownJob = errors.New("no handler registered for job")

	// ErrBackendClosed is returned by Enqueue after Close.
	ErrBackendClosed = errors.New("dispatch backend closed")

	// ErrDuplicateJob reports that a job with the same id is already pending.
	// Backends absorb it: Enqueue returns the existing handle and a nil error.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrPermanent marks failures that must not be retried.
	ErrPermanent = errors.New("permanent job failure")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds. Backends
// terminally fail a job whose handler returns a permanent error without
// consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Configuration and
// validation errors are always permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrUnknownQueue) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrUnknownJob)
}
