package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Class names a failure category. It prefixes the failure reason persisted on
// a stage so operators can filter by cause.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassAuth        Class = "auth"
	ClassConfig      Class = "config"
	ClassRateLimit   Class = "rate_limit_exceeded"
	ClassMalformed   Class = "malformed_response"
	ClassCanceled    Class = "canceled"
	ClassCircuitOpen Class = "circuit_open"
	ClassUnreadable  Class = "unreadable"
	ClassUnknown     Class = "unknown"
)

// ErrCanceled marks work abandoned because the run was cancelled.
var ErrCanceled = errors.New("run canceled")

// TransientError wraps a provider failure that is safe to retry (timeouts,
// 408/429/5xx, connection resets).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return "transient provider error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// AuthError is a rejected credential. Never retried.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConfigError is an invalid configuration or a request the provider refused
// as malformed. Never retried.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError from a format string.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// RateLimitExceeded is returned when a configuration's wait queue is full.
type RateLimitExceeded struct {
	Key        string
	QueueDepth int
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d waiters already queued", e.Key, e.QueueDepth)
}

// MalformedResponseError is model output that failed validation after the
// repair attempt.
type MalformedResponseError struct {
	Component string
	Detail    string
	Raw       string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed model response: %s", e.Component, e.Detail)
}

// UnreadableError is content the extractor could not decode.
type UnreadableError struct {
	URI    string
	Reason string
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("unreadable content %s: %s", e.URI, e.Reason)
}

// ClassOf maps err to its failure class.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var (
		auth      *AuthError
		cfgErr    *ConfigError
		rate      *RateLimitExceeded
		malformed *MalformedResponseError
		unread    *UnreadableError
	)
	switch {
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.As(err, &auth):
		return ClassAuth
	case errors.As(err, &cfgErr):
		return ClassConfig
	case errors.As(err, &rate):
		return ClassRateLimit
	case errors.As(err, &malformed):
		return ClassMalformed
	case errors.As(err, &unread):
		return ClassUnreadable
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// FailureReason renders err as "<class>: <message>".
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", ClassOf(err), err)
}

// IsRetryable reports whether the gateway may retry after err. Auth, config,
// rate-limit, malformed, circuit-open and cancellation errors are terminal.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient:
		return true
	default:
		return false
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a network timeout, a deadline expiry, or matches common
// transient connection failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
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

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == 408, statusCode == 429:
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies a non-2xx provider response.
func FromHTTPStatus(provider string, statusCode int, body string) error {
	base := fmt.Errorf("%s returned status %d: %s", provider, statusCode, truncate(body, 300))
	switch {
	case statusCode == 401 || statusCode == 403:
		return &AuthError{Provider: provider, StatusCode: statusCode, Err: base}
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(base, statusCode)
	default:
		return &ConfigError{Msg: "request rejected", Err: base}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
