package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	Timeout,
	Actionability,
	RenderTimeout,
	ClosedSession,
	StrictMode,
	Navigation,
	InvalidArgument,
	Canceled,
	Internal,
}

func testCodeOf_RoundtripForTypedErrors(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")

	err := New(code, message)
	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf(New) mismatch: got=%q want=%q", got, code)
	}
	if !Is(err, code) {
		t.Fatalf("Is(New, %q) = false", code)
	}
	if !strings.HasPrefix(err.Error(), message) {
		t.Fatalf("Error() = %q, want prefix %q", err.Error(), message)
	}
}

func TestCodeOf_RoundtripForTypedErrors(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_RoundtripForTypedErrors)
}

func testCodeOf_WrappedTypedError(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")
	cause := errors.New(rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "cause"))

	err := Wrap(code, message, cause)
	wrapped := fmt.Errorf("outer: %w", err)

	if got := CodeOf(wrapped); got != code {
		t.Fatalf("CodeOf(wrapped) mismatch: got=%q want=%q", got, code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("wrapped error lost its cause")
	}
}

func TestCodeOf_WrappedTypedError(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_WrappedTypedError)
}

func TestUntypedAndNilFallbacks(t *testing.T) {
	t.Parallel()

	if got := CodeOf(errors.New("boom")); got != Internal {
		t.Fatalf("CodeOf(untyped) = %q, want %q", got, Internal)
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) = %q, want %q", got, Internal)
	}
	if Is(nil, Internal) {
		t.Fatalf("Is(nil, internal) must be false")
	}
	if DiagnosticOf(errors.New("boom")) != nil {
		t.Fatalf("untyped error must not carry a diagnostic")
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[Code]bool{
		StrictMode:      true,
		ClosedSession:   true,
		InvalidArgument: true,
		Canceled:        true,
	}
	for _, code := range allCodes {
		if got := IsTerminal(New(code, "x")); got != terminal[code] {
			t.Errorf("IsTerminal(%q) = %v, want %v", code, got, terminal[code])
		}
	}
	if IsTerminal(errors.New("transient")) {
		t.Errorf("untyped errors must be retried")
	}
}

func TestErrorMessageCarriesReasonAndDiagnostic(t *testing.T) {
	t.Parallel()

	err := &Error{
		Code:    Actionability,
		Message: "hover .post-card",
		Reason:  ReasonObscured,
		Diag: &Diagnostic{
			LastObserved: "obscured",
			Elapsed:      1500 * time.Millisecond,
			Timeout:      time.Second,
			Attempts:     4,
		},
	}
	msg := err.Error()
	for _, want := range []string{"hover .post-card", "(obscured)", "last observed: obscured", "4 attempt(s)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if ReasonOf(fmt.Errorf("wrapped: %w", err)) != ReasonObscured {
		t.Errorf("ReasonOf lost the reason through wrapping")
	}
	if DiagnosticOf(err).Attempts != 4 {
		t.Errorf("DiagnosticOf returned wrong snapshot")
	}
}

func TestClosed(t *testing.T) {
	t.Parallel()

	err := Closed("abc")
	if !Is(err, ClosedSession) {
		t.Fatalf("Closed() code = %q", CodeOf(err))
	}
	if !strings.Contains(err.Error(), "abc") {
		t.Fatalf("Closed() message %q should name the session", err.Error())
	}
}
