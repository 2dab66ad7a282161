package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"transient", NewTransientError("upsert failed", base), IsTransient},
		{"connection", NewConnectionError("dial failed", base), IsConnection},
		{"not found", NewNotFoundError("resource does not exist", nil), IsNotFound},
		{"fatal", NewFatalError("config", base), IsFatal},
		{"permanent", NewPermanentError("denied", base), IsPermanent},
		{"wrapped", fmt.Errorf("context: %w", NewNotFoundError("gone", nil)), IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Fatalf("classification failed for %v", tt.err)
			}
		})
	}

	if IsTransient(base) {
		t.Error("plain errors are not classified")
	}
}

func TestRetryAfter(t *testing.T) {
	fallback := 5 * time.Second

	if got := RetryAfter(errors.New("plain"), fallback); got != fallback {
		t.Errorf("plain error: got %s, want %s", got, fallback)
	}
	if got := RetryAfter(Retry(time.Minute, errors.New("x")), fallback); got != time.Minute {
		t.Errorf("retry error: got %s, want 1m", got)
	}
	wrapped := fmt.Errorf("failed to upsert: %w", Retry(42*time.Second, nil))
	if got := RetryAfter(wrapped, fallback); got != 42*time.Second {
		t.Errorf("wrapped retry error: got %s, want 42s", got)
	}
	if got := RetryAfter(NewTransientError("no backoff", nil), fallback); got != fallback {
		t.Errorf("zero backoff: got %s, want fallback", got)
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := NewTransientError("upsert failed", errors.New("timeout")).WithResource("abc")
	want := "[transient] upsert failed (resource=abc): timeout"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if got := NewPermanentError("denied", nil).Error(); got != "[permanent] denied" {
		t.Fatalf("Error() without cause = %q", got)
	}
}

func TestEngineErrorIs(t *testing.T) {
	denied := fmt.Errorf("reconcile: %w", NewPermanentError("admission denied", nil).WithCode(ErrCodePolicyDenied))

	if !errors.Is(denied, &EngineError{Class: ErrorClassPermanent}) {
		t.Error("errors.Is should match on class alone when the target has no code")
	}
	if !errors.Is(denied, &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}) {
		t.Error("errors.Is should match class and code")
	}
	if errors.Is(denied, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}) {
		t.Error("errors.Is matched a different code")
	}
	if errors.Is(denied, &EngineError{Class: ErrorClassTransient}) {
		t.Error("errors.Is matched a different class")
	}
	if ClassOf(denied) != ErrorClassPermanent || ClassOf(errors.New("plain")) != "" {
		t.Error("ClassOf misclassified")
	}
}
