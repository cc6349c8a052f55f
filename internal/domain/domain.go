package domain

import "time"

type TaskStatus string

const (
	StatusToDo        TaskStatus = "todo"
	StatusInProgress  TaskStatus = "in_progress"
	StatusUnderReview TaskStatus = "under_review"
	StatusOnHold      TaskStatus = "on_hold"
	StatusBlocked     TaskStatus = "blocked"
	StatusCompleted   TaskStatus = "completed"
	StatusCancelled   TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusUnderReview, StatusOnHold, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type DependencyType string

const (
	FinishToStart  DependencyType = "finish-to-start"
	StartToStart   DependencyType = "start-to-start"
	FinishToFinish DependencyType = "finish-to-finish"
	StartToFinish  DependencyType = "start-to-finish"
)

func (t DependencyType) Valid() bool {
	switch t {
	case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		return true
	}
	return false
}

type Project struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is owned by the storage collaborator; the engine only mutates status and derived fields.
type Task struct {
	ID                   string     `json:"id"`
	ProjectID            string     `json:"project_id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Status               TaskStatus `json:"status" enum:"todo,in_progress,under_review,on_hold,blocked,completed,cancelled"`
	Priority             Priority   `json:"priority" enum:"low,medium,high,urgent"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	ParentID             *string    `json:"parent_id,omitempty"`
	Assignees            []string   `json:"assignees,omitempty"`
	CompletionPercentage *int       `json:"completion_percentage,omitempty"`
	Weight               float64    `json:"weight,omitempty"`
	RecurrenceRef        *string    `json:"recurrence_ref,omitempty"`
	OccurrenceDate       *time.Time `json:"occurrence_date,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// DependencyEdge constrains To by From. To is the dependent task.
type DependencyEdge struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      DependencyType `json:"type" enum:"finish-to-start,start-to-start,finish-to-finish,start-to-finish"`
	DelayDays int            `json:"delay_days"`
	CreatedAt time.Time      `json:"created_at"`
}

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

type EndKind string

const (
	EndNever      EndKind = "never"
	EndAfterCount EndKind = "after_count"
	EndOnDate     EndKind = "on_date"
)

type EndCondition struct {
	Kind  EndKind    `json:"kind" enum:"never,after_count,on_date"`
	Count int        `json:"count,omitempty"`
	Date  *time.Time `json:"date,omitempty"`
}

type TaskTemplate struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
}

// RecurrencePattern describes a series of dated task instances.
// LastGeneratedUntil is a watermark: nil until the first occurrence is materialized,
// then only ever moved forward.
type RecurrencePattern struct {
	ID                 string       `json:"id"`
	ProjectID          string       `json:"project_id"`
	Template           TaskTemplate `json:"template"`
	ParentTaskID       *string      `json:"parent_task_id,omitempty"`
	Frequency          Frequency    `json:"frequency" enum:"daily,weekly,monthly"`
	Interval           int          `json:"interval"`
	StartDate          time.Time    `json:"start_date"`
	End                EndCondition `json:"end"`
	LastGeneratedUntil *time.Time   `json:"last_generated_until,omitempty"`
	GeneratedCount     int          `json:"generated_count"`
	Active             bool         `json:"active"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type HealthStatus string

const (
	HealthOnTrack HealthStatus = "on_track"
	HealthAtRisk  HealthStatus = "at_risk"
	HealthOverdue HealthStatus = "overdue"
	HealthBlocked HealthStatus = "blocked"
)

// HealthRecord is derived state; it is recomputed, never edited.
type HealthRecord struct {
	TaskID               string       `json:"task_id"`
	ProjectID            string       `json:"project_id"`
	CompletionPercentage int          `json:"completion_percentage"`
	HealthStatus         HealthStatus `json:"health_status" enum:"on_track,at_risk,overdue,blocked"`
	Reasons              []string     `json:"reasons"`
	ComputedAt           time.Time    `json:"computed_at"`
}

// SameOutcome reports whether two records carry the same derived values.
func (r HealthRecord) SameOutcome(o HealthRecord) bool {
	if r.CompletionPercentage != o.CompletionPercentage || r.HealthStatus != o.HealthStatus {
		return false
	}
	if len(r.Reasons) != len(o.Reasons) {
		return false
	}
	for i := range r.Reasons {
		if r.Reasons[i] != o.Reasons[i] {
			return false
		}
	}
	return true
}

type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}
