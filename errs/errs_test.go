package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("conditional", CodePersistence,
		WithSymbol("SOL"),
		WithOrderID("abc123"),
		WithMessage("save order"),
		WithCause(cause),
	)

	msg := err.Error()
	for _, want := range []string{"engine=conditional", "code=persistence", "symbol=SOL", "order=abc123", `"save order"`, "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string %q missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("twap", CodeExecution, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestNilError(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Errorf("nil error string = %q", got)
	}
}

func TestIsCode(t *testing.T) {
	err := New("mm", CodeInvalid, WithMessage("spread bounds"))

	if !IsCode(err, CodeInvalid) {
		t.Error("expected IsCode to match invalid_request")
	}
	if IsCode(err, CodeNotFound) {
		t.Error("expected IsCode to reject mismatched code")
	}
	if IsCode(errors.New("plain"), CodeInvalid) {
		t.Error("expected IsCode to reject non-envelope errors")
	}
}
