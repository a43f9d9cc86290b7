package services

import (
	"errors"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Error tags a failure with one of the exported markers and the pipeline
// location where it happened.
type Error struct {
	Marker error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Marker.Error() + ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// ErrorKind classifies the failure for the queue worker. Validation,
// configuration and not-found failures are not retried.
func (e *Error) ErrorKind() string {
	switch e.Marker {
	case ErrValidation:
		return "validation"
	case ErrConfiguration:
		return "configuration"
	case ErrNotFound:
		return "not_found"
	case ErrTimeout:
		return "timeout"
	default:
		return "transient"
	}
}

// Wrap builds an error message that includes pipeline context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, pipeline, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{Marker: marker, Detail: buildDetail(pipeline, operation, message), Err: err}
}

// Retryable reports whether err is worth another delivery attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var classified *Error
	if errors.As(err, &classified) {
		switch classified.ErrorKind() {
		case "validation", "configuration", "not_found":
			return false
		}
	}
	return true
}

func buildDetail(pipeline, operation, message string) string {
	parts := make([]string, 0, 3)
	if pipeline = strings.TrimSpace(pipeline); pipeline != "" {
		parts = append(parts, pipeline)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
