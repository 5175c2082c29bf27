package taskerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	base := errors.New("connection reset")
	if got := ClassOf(Transient("search", base)); got != ClassTransient {
		t.Fatalf("expected transient, got %s", got)
	}
	if got := ClassOf(SchemaValidation("evaluate", base)); got != ClassSchemaValidation {
		t.Fatalf("expected schema_validation, got %s", got)
	}
	if got := ClassOf(Config("startup", base)); got != ClassConfig {
		t.Fatalf("expected config, got %s", got)
	}
	if got := ClassOf(base); got != ClassUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestClassSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("run phase: %w", Transient("search", errors.New("timeout")))
	if !Retryable(err) {
		t.Fatal("wrapped transient error must stay retryable")
	}
	wrapped := fmt.Errorf("worker: %w", SchemaValidation("evaluate", errors.New("missing reasoning")))
	if Retryable(wrapped) {
		t.Fatal("schema failures must never be retryable")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Configf("startup", "missing %s", "SEARCH_API_KEY")) {
		t.Fatal("config errors are fatal")
	}
	if IsFatal(Transient("search", errors.New("503"))) {
		t.Fatal("transient errors are not fatal")
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Transient("op", base)
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the base error")
	}
}
