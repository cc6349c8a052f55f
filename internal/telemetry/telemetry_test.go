package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"taskgraph/internal/domain"
)

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"circular_dependency":     domain.CircularDependencyError{From: "a", To: "b"},
		"invalid_edge":            fmt.Errorf("wrap: %w", domain.InvalidEdgeError{From: "a", To: "a"}),
		"concurrent_modification": domain.ConcurrentModificationError{Resource: "graph", Attempts: 3},
		"unmet_dependency":        domain.UnmetDependencyError{TaskID: "b"},
		"cancelled":               context.Canceled,
		"internal":                errors.New("boom"),
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestFailPassesErrorThrough(t *testing.T) {
	_, span := Start(context.Background(), "test")
	defer span.End()
	err := errors.New("boom")
	if got := Fail(span, err); got != err {
		t.Fatalf("Fail changed the error: %v", got)
	}
	if Fail(span, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
