package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	if !IsTransient(fmt.Errorf("api call failed: %w", inner)) {
		t.Error("expected fmt-wrapped TransientError to be transient")
	}
	if !IsTransient(eris.Wrap(inner, "fetch usage")) {
		t.Error("expected eris-wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilAndRegular(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_Syscall(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if !IsTransient(fmt.Errorf("dial: %w", errno)) {
			t.Errorf("expected %v to be transient", errno)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "op timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient_NetTimeout(t *testing.T) {
	if !IsTransient(fmt.Errorf("read: %w", timeoutErr{})) {
		t.Error("expected net timeout to be transient")
	}
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	for _, msg := range []string{
		"ERROR: deadlock detected (SQLSTATE 40P01)",
		"database is locked",
		"read tcp: connection reset by peer",
	} {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422, 501} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"transient", NewTransientError(errors.New("503"), 503), ClassTransient},
		{"config", NewConfigError("template", errors.New("unknown")), ClassConfig},
		{"validation", eris.Wrap(NewValidationError("rows", errors.New("bad")), "write"), ClassValidation},
		{"auth", NewAuthError(errors.New("denied"), 401), ClassAuth},
		{"canceled", fmt.Errorf("step: %w", context.Canceled), ClassCanceled},
		{"pattern", errors.New("i/o timeout"), ClassTransient},
		{"unknown", errors.New("boom"), ClassInternal},
		{
			"permanent wins over transient wrapper",
			NewTransientError(NewAuthError(errors.New("expired"), 401), 401),
			ClassAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError(errors.New("x"), 429)) {
		t.Error("expected transient to be retryable")
	}
	if IsRetryable(NewConfigError("credential", errors.New("missing"))) {
		t.Error("config errors must not be retried")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
}

func TestErrorMessages(t *testing.T) {
	if got := NewConfigError("", errors.New("x")).Error(); got != "config: x" {
		t.Errorf("got %q", got)
	}
	if got := NewValidationError("currency", errors.New("empty")).Error(); got != "validation: currency: empty" {
		t.Errorf("got %q", got)
	}
	if got := NewAuthError(errors.New("nope"), 403).Error(); got != "auth: nope" {
		t.Errorf("got %q", got)
	}
}
