package domain

import (
	"fmt"
	"strings"
)

// CircularDependencyError means an edge would close a cycle. Never retried automatically.
type CircularDependencyError struct {
	From string
	To   string
	// Path is the existing route from To back to From, when known.
	Path []string
}

func (e CircularDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("would create a circular dependency: %s -> %s", e.From, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("would create a circular dependency between %s and %s", e.From, e.To)
}

// InvalidEdgeError reports a malformed dependency request.
type InvalidEdgeError struct {
	From   string
	To     string
	Reason string
	Err    error
}

func (e InvalidEdgeError) Error() string {
	return fmt.Sprintf("invalid dependency %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e InvalidEdgeError) Unwrap() error { return e.Err }

// RecurrencePatternError rejects a pattern at creation or update time.
type RecurrencePatternError struct {
	Field  string
	Reason string
}

func (e RecurrencePatternError) Error() string {
	return fmt.Sprintf("invalid recurrence pattern: %s %s", e.Field, e.Reason)
}

// ConcurrentModificationError is returned when a lock could not be taken within the retry budget.
// Safe to retry.
type ConcurrentModificationError struct {
	Resource string
	Attempts int
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s; gave up after %d attempts", e.Resource, e.Attempts)
}

type UnknownTaskError struct {
	TaskID string
}

func (e UnknownTaskError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

type InvalidTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// UnmetDependencyError blocks completion while a finish-to-start predecessor is not completed
// or is still inside its delay window.
type UnmetDependencyError struct {
	TaskID       string
	Predecessors []string
}

func (e UnmetDependencyError) Error() string {
	return fmt.Sprintf("task %s cannot be completed: finish-to-start dependencies not met: %s",
		e.TaskID, strings.Join(e.Predecessors, ", "))
}

// ValidationError rejects malformed input that is not covered by a more specific error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
