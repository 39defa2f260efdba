package db

import (
	"context"
	"errors"
	"testing"
)

func TestRunChecks(t *testing.T) {
	checks := []Check{
		{Name: "events", Probe: func(ctx context.Context) error { return nil }},
		{Name: "cache", Probe: func(ctx context.Context) error { return errors.New("unreachable") }},
		{Name: "nil probe"},
	}

	failures := RunChecks(context.Background(), checks)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d: %v", len(failures), failures)
	}
	if failures["cache"] != "unreachable" {
		t.Errorf("expected cache failure, got %v", failures)
	}
}

func TestRunChecks_Empty(t *testing.T) {
	if failures := RunChecks(context.Background(), nil); len(failures) != 0 {
		t.Errorf("expected no failures, got %v", failures)
	}
}
