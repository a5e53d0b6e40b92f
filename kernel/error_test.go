package kernel

import (
	"errors"
	"io"
	"testing"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestKernelErrorWrap(t *testing.T) {
	errBase := &Error{Module: "foo", Message: "read failed"}

	wrapped := errBase.Wrap(io.ErrUnexpectedEOF)
	if wrapped == errBase {
		t.Fatal("expected Wrap to return a copy")
	}

	if exp, got := "read failed: unexpected EOF", wrapped.Error(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}

	if !errors.Is(wrapped, errBase) {
		t.Error("expected wrapped error to match the original")
	}

	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("expected wrapped error to match its cause")
	}

	if errors.Is(wrapped, &Error{Module: "bar", Message: "read failed"}) {
		t.Error("expected errors from other modules not to match")
	}

	if errBase.Cause != nil {
		t.Error("expected Wrap to leave the original error untouched")
	}
}
