package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is the coarse category an error falls into for retry and
// reporting decisions.
type ErrorClass string

const (
	ClassTransient  ErrorClass = "transient"
	ClassConfig     ErrorClass = "config"
	ClassValidation ErrorClass = "validation"
	ClassAuth       ErrorClass = "auth"
	ClassQuota      ErrorClass = "quota"
	ClassCanceled   ErrorClass = "canceled"
	ClassInternal   ErrorClass = "internal"
)

// Classed is implemented by errors that know their own class.
type Classed interface {
	ErrorClass() ErrorClass
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string          { return e.Err.Error() }
func (e *TransientError) Unwrap() error          { return e.Err }
func (e *TransientError) ErrorClass() ErrorClass { return ClassTransient }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ConfigError reports an input that cannot be resolved: unknown template,
// missing credential, unsupported provider. Never retried.
type ConfigError struct {
	Input string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Input == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Input + ": " + e.Err.Error()
}
func (e *ConfigError) Unwrap() error          { return e.Err }
func (e *ConfigError) ErrorClass() ErrorClass { return ClassConfig }

// NewConfigError wraps err as a configuration error naming the offending input.
func NewConfigError(input string, err error) *ConfigError {
	return &ConfigError{Input: input, Err: err}
}

// ValidationError reports data that violates a precondition. Never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return "validation: " + e.Field + ": " + e.Err.Error()
}
func (e *ValidationError) Unwrap() error          { return e.Err }
func (e *ValidationError) ErrorClass() ErrorClass { return ClassValidation }

// NewValidationError wraps err as a validation failure on field.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// AuthError reports rejected or missing credentials. Never retried.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string          { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error          { return e.Err }
func (e *AuthError) ErrorClass() ErrorClass { return ClassAuth }

// NewAuthError wraps err as an authorization failure.
func NewAuthError(err error, statusCode int) *AuthError {
	return &AuthError{Err: err, StatusCode: statusCode}
}

// Classify returns the class of err. Permanent classes found anywhere in the
// chain take precedence over transient markers.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var first ErrorClass
	for e := err; e != nil; e = errors.Unwrap(e) {
		c, ok := e.(Classed)
		if !ok {
			continue
		}
		if c.ErrorClass() != ClassTransient {
			return c.ErrorClass()
		}
		if first == "" {
			first = c.ErrorClass()
		}
	}
	if first != "" {
		return first
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassInternal
}

// IsRetryable reports whether a step should attempt err again.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
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

	// Wrapped client and driver errors only keep their message.
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
	"transport connection broken",
	"deadlock detected",
	"could not serialize access",
	"database is locked",
	"too many connections",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
