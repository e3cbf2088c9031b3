package apierr

import (
	"errors"
	"testing"
)

func TestKindOfExtractsWrappedKind(t *testing.T) {
	err := New(NotFound, "session %s", "abc123")
	if KindOf(err) != NotFound {
		t.Fatalf("kind = %s, want NotFound", KindOf(err))
	}
}

func TestKindOfDefaultsToInternalForPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Fatalf("expected Internal for a plain error")
	}
}

func TestKindOfNilIsEmpty(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil error")
	}
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Internal, cause, "checkpoint write failed")
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if KindOf(err) != Internal {
		t.Fatalf("kind = %s, want Internal", KindOf(err))
	}
}

func TestErrorMessageIncludesKindAndMessage(t *testing.T) {
	err := New(InvalidArgument, "qty must be positive")
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty error string")
	}
}
