package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskgraph/internal/domain"
)

// Event types written to the events table and published on the Bus.
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskDeleted       = "task.deleted"
	TaskStatusChanged = "TaskStatusChanged"
	DependencyAdded   = "DependencyAdded"
	DependencyRemoved = "DependencyRemoved"
	InstanceGenerated = "InstanceGenerated"
	HealthUpdated     = "HealthUpdated"
	PatternCreated    = "pattern.created"
	PatternUpdated    = "pattern.updated"
	PatternDeleted    = "pattern.deleted"
	PatternCompleted  = "pattern.completed"
	ProjectCreated    = "project.created"
)

// Writer appends events inside the caller's transaction, so an event exists iff its
// mutation committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC()
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.Format(time.RFC3339Nano), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s event: %w", evtType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
