package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadata(t *testing.T) {
	err := New(
		"submit",
		CodeSubmission,
		WithMessage("broker rejected order"),
		WithSymbol("AAPL"),
		WithMetadata(map[string]string{
			"idempotency_key": "abc123",
			"side":            "buy",
		}),
		WithField("qty", "25"),
		WithCause(errors.New("broker http 503")),
	)

	out := err.Error()
	if !strings.Contains(out, "origin=submit") {
		t.Fatalf("expected origin marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=submission") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "symbol=AAPL") {
		t.Fatalf("expected symbol marker in error string: %s", out)
	}
	expectedMeta := "meta=idempotency_key=\"abc123\",qty=\"25\",side=\"buy\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"broker http 503\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithMetadataMerge(t *testing.T) {
	err := New(
		"store",
		CodeStateStoreInit,
		WithMetadata(map[string]string{"path": "/tmp/a.db"}),
		WithMetadata(map[string]string{"path": "/tmp/b.db", "version": "3"}),
	)

	if got := err.Metadata["path"]; got != "/tmp/b.db" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Metadata["version"]; got != "3" {
		t.Fatalf("expected version metadata to be present, got %q", got)
	}
}

func TestCodeOfUnwrapsWrappedEnvelope(t *testing.T) {
	inner := New("config", CodeConfiguration, WithMessage("sleeve json malformed"))
	wrapped := fmt.Errorf("load sleeves: %w", inner)

	if got := CodeOf(wrapped); got != CodeConfiguration {
		t.Fatalf("expected configuration code, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
