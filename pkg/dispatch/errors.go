package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class partitions dispatch failures by retryability. Classification is
// independent of the retry policy: transient errors go through backoff,
// permanent ones fail the step immediately regardless of attempt count.
type Class int

const (
	// ClassTransient covers network errors, timeouts, 5xx responses and
	// database errors.
	ClassTransient Class = iota
	// ClassPermanent covers 4xx responses, validation failures and
	// configuration errors.
	ClassPermanent
)

// Error is a classified dispatch failure.
type Error struct {
	Code       string
	StatusCode int
	Message    string
	Err        error
	class      Class
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("dispatch %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient creates a retryable dispatch error.
func NewTransient(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, class: ClassTransient}
}

// NewPermanent creates a non-retryable dispatch error.
func NewPermanent(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, class: ClassPermanent}
}

// FromStatusCode classifies an HTTP response status.
func FromStatusCode(status int, message string) *Error {
	e := &Error{Code: fmt.Sprintf("http_%d", status), StatusCode: status, Message: message}

	if status >= http.StatusInternalServerError {
		e.class = ClassTransient
	} else {
		e.class = ClassPermanent
	}

	return e
}

// Classify determines the class of any dispatch failure. Unknown errors are
// treated as transient: at-least-once duplication is acceptable, silent loss
// is not.
func Classify(err error) Class {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.class
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	return ClassTransient
}

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}
