package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("tender not found")
	ErrStaleTransition      = errors.New("tender stage changed concurrently")
	ErrInvalidTransition    = errors.New("transition not allowed by stage machine")
	ErrQueueClosed          = errors.New("queue closed for discovery")
	ErrSchedulerUnavailable = errors.New("sweep trigger could not be enqueued")
	// ErrLeaseLost means the job was redelivered after its lease expired; the caller no longer owns it.
	ErrLeaseLost = errors.New("job lease no longer held")
)

// StageError is a classified stage failure. Collaborators return it so the retry manager does not
// have to guess whether a failure is worth retrying.
type StageError struct {
	Class ErrorClass
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Transient reports whether the failure is retryable.
func (e *StageError) Transient() bool { return e.Class.Transient() }

func classified(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Class: class, Err: err}
}

// TransientFetchError marks a scrape failure that may succeed later (unreachable, rate-limited).
func TransientFetchError(err error) error { return classified(ClassTransientFetch, err) }

// TransientServiceError marks an analyzer failure that may succeed later.
func TransientServiceError(err error) error { return classified(ClassTransientService, err) }

// PermanentParseError marks data that will never parse.
func PermanentParseError(err error) error { return classified(ClassPermanentParse, err) }

// PermanentInputError marks input the analyzer will always reject.
func PermanentInputError(err error) error { return classified(ClassPermanentInput, err) }

// ClassOf returns the classification carried by err, if any.
func ClassOf(err error) (ErrorClass, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class, true
	}
	return "", false
}
