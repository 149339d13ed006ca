package channels

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Format(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrConnection("dial failed", cause)

	want := "[CONNECTION_ERROR] dial failed: connection refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	bare := ErrConfig("token is required", nil)
	if bare.Error() != "[CONFIG_ERROR] token is required" {
		t.Errorf("unexpected format: %q", bare.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := ErrInternal("send failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limit", ErrRateLimit("slow down", nil), true},
		{"timeout", ErrTimeout("deadline", nil), true},
		{"unavailable", ErrUnavailable("down", nil), true},
		{"connection", ErrConnection("reset", nil), true},
		{"auth", ErrAuthentication("bad token", nil), false},
		{"invalid input", ErrInvalidInput("empty", nil), false},
		{"config", ErrConfig("missing", nil), false},
		{"plain error", errors.New("whatever"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	if code := GetErrorCode(ErrRateLimit("x", nil)); code != ErrCodeRateLimit {
		t.Errorf("expected RATE_LIMIT_ERROR, got %s", code)
	}

	wrapped := fmt.Errorf("send: %w", ErrTimeout("y", nil))
	if code := GetErrorCode(wrapped); code != ErrCodeTimeout {
		t.Errorf("expected TIMEOUT_ERROR through wrapping, got %s", code)
	}

	if code := GetErrorCode(errors.New("plain")); code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR fallback, got %s", code)
	}
}
