package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"queue",
		CodeConflict,
		WithMessage("handler already registered"),
		WithField("queue", "message.embed"),
		WithField("owner", "worker-1"),
		WithCause(errors.New("duplicate")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=queue") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=owner=\"worker-1\",queue=\"message.embed\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.HasPrefix(out, "component=queue code=conflict message=\"handler already registered\"") {
		t.Fatalf("unexpected field order: %s", out)
	}
	if !strings.Contains(out, "cause=\"duplicate\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("outbox", CodeInvalid, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := New("schedule", CodeNotFound, WithMessage("definition missing"))
	wrapped := fmt.Errorf("remove schedule: %w", base)
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found code, got %q", got)
	}
	if !IsCode(wrapped, CodeNotFound) {
		t.Fatalf("expected IsCode to match wrapped envelope")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("dispatcher", CodeHandler, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestBlankComponentAndCodeRenderUnknown(t *testing.T) {
	if got := New(" ", "").Error(); got != "component=unknown code=unknown" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
