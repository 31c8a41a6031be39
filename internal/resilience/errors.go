package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry: timeouts, connection
// resets, 5xx responses.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError marks an HTTP 429 (or source-specific equivalent). When the
// source advertises a wait period via Retry-After, RetryAfter carries it and
// the retry loop honors it instead of the computed backoff delay.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError wraps an error as a rate-limit rejection.
func NewRateLimitError(err error, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// PermanentError marks a client-side failure (4xx other than 429, malformed
// request) that must not be retried. The source is failed for the cycle and
// other sources continue independently.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as non-retryable.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsRateLimit reports whether the error chain contains a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RetryAfterOf returns the source-advertised wait period from the error
// chain, or zero when none was advertised.
func RetryAfterOf(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRetryable reports whether the error should be retried: explicit
// transient or rate-limit classification, network-level timeouts, or
// connection failures. Permanent errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}

	if IsRateLimit(err) {
		return true
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassifyHTTPStatus converts an HTTP status code into the retry taxonomy:
// 429 becomes a rate-limit error, 5xx and 408 transient, other 4xx
// permanent. Success codes return the error unchanged.
func ClassifyHTTPStatus(err error, statusCode int, retryAfter time.Duration) error {
	switch {
	case statusCode == 429:
		return NewRateLimitError(err, retryAfter)
	case statusCode == 408 || statusCode >= 500:
		return NewTransientError(err, statusCode)
	case statusCode >= 400:
		return NewPermanentError(err, statusCode)
	default:
		return err
	}
}
