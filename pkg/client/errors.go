package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass is the closed set of failure categories a compression call can
// end in. Retry and rotation policy branch on the class, never on the
// concrete error.
type ErrorClass string

const (
	// ErrorClassQuota means the credential cannot be used any more this
	// period. Switching to another credential may succeed.
	ErrorClassQuota ErrorClass = "quota_exceeded"

	// ErrorClassInvalidInput means the backend rejected the image or the
	// request. Another credential will not help.
	ErrorClassInvalidInput ErrorClass = "invalid_input"

	// ErrorClassTransient covers network faults and timeouts. The same call
	// may succeed later with the same credential.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal is everything else.
	ErrorClassFatal ErrorClass = "fatal"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all transient retry attempts are used up.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrEmptySource is returned when there is nothing to compress.
	ErrEmptySource = errors.New("empty source image")
)

// CompressionError is a classified backend failure.
type CompressionError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *CompressionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compression %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("compression %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CompressionError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err. Unclassified errors are fatal.
func ClassOf(err error) ErrorClass {
	var ce *CompressionError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorClassFatal
}

// IsQuotaExceeded reports whether err means the credential is exhausted.
func IsQuotaExceeded(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassQuota
}

// classifyStatus maps a backend HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusUnauthorized:
		return ErrorClassQuota
	case status == http.StatusRequestTimeout,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrorClassTransient
	case status >= 400 && status < 500:
		return ErrorClassInvalidInput
	default:
		return ErrorClassFatal
	}
}

// shouldRetry determines if a class may be retried with the same credential.
func shouldRetry(class ErrorClass) bool {
	return class == ErrorClassTransient
}
