package queue

import "errors"

var (
	// ErrJobNotFound reports a lookup for a job ID the backend does not hold.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost reports a transition attempted with a stale lease token,
	// usually because the stalled check already handed the job to another worker.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrDisabled is returned by operations that need a real broker.
	ErrDisabled = errors.New("job broker disabled")
)

// ErrorClassifier allows errors to declare their classification.
// Kinds "validation", "configuration" and "not_found" are never retried;
// every other kind follows the queue's retry policy.
type ErrorClassifier interface {
	ErrorKind() string
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the worker fails the job immediately instead of
// scheduling another attempt.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err should end the job regardless of the
// remaining attempts.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	var marked *unrecoverableError
	if errors.As(err, &marked) {
		return true
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		switch classifier.ErrorKind() {
		case "validation", "configuration", "not_found":
			return true
		}
	}
	return false
}
