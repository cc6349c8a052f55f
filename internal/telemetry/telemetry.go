// Package telemetry provides OpenTelemetry spans for engine operations.
// No exporter is configured here; the global provider decides where spans go.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskgraph/internal/domain"
)

var tracer = otel.Tracer("taskgraph")

const (
	AttrProjectID = "taskgraph.project.id"
	AttrTaskID    = "taskgraph.task.id"
	AttrPatternID = "taskgraph.pattern.id"
	AttrActorID   = "taskgraph.actor.id"
	AttrEdgeFrom  = "taskgraph.edge.from"
	AttrEdgeTo    = "taskgraph.edge.to"
	AttrEdgeType  = "taskgraph.edge.type"
	AttrErrorKind = "taskgraph.error.kind"
)

// Start opens a span named name with attrs.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskAttrs returns the common attributes of a task-scoped operation.
func TaskAttrs(projectID, taskID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProjectID, projectID),
		attribute.String(AttrTaskID, taskID),
	}
}

// EdgeAttrs returns the attributes of a dependency edge operation.
func EdgeAttrs(from, to string, typ domain.DependencyType) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrEdgeFrom, from),
		attribute.String(AttrEdgeTo, to),
		attribute.String(AttrEdgeType, string(typ)),
	}
}

// Fail records err on span and returns it unchanged, so call sites can `return telemetry.Fail(span, err)`.
func Fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err, trace.WithAttributes(attribute.String(AttrErrorKind, ErrorKind(err))))
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ErrorKind names the domain error class of err, or "internal".
func ErrorKind(err error) string {
	var (
		cyc   domain.CircularDependencyError
		inv   domain.InvalidEdgeError
		pat   domain.RecurrencePatternError
		cme   domain.ConcurrentModificationError
		unk   domain.UnknownTaskError
		trans domain.InvalidTransitionError
		unmet domain.UnmetDependencyError
	)
	switch {
	case errors.As(err, &cyc):
		return "circular_dependency"
	case errors.As(err, &inv):
		return "invalid_edge"
	case errors.As(err, &pat):
		return "invalid_recurrence_pattern"
	case errors.As(err, &cme):
		return "concurrent_modification"
	case errors.As(err, &unk):
		return "unknown_task"
	case errors.As(err, &trans):
		return "invalid_transition"
	case errors.As(err, &unmet):
		return "unmet_dependency"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}

// TraceID returns the trace id carried by ctx, if any.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

