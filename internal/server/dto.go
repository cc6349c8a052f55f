package server

import (
	"fmt"
	"time"

	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/recurrence"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	ID                   *string  `json:"id,omitempty"`
	ParentID             *string  `json:"parent_id,omitempty"`
	Title                string   `json:"title"`
	Description          *string  `json:"description,omitempty"`
	Priority             string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate              *string  `json:"due_date,omitempty" doc:"YYYY-MM-DD or RFC 3339"`
	Assignees            []string `json:"assignees,omitempty"`
	CompletionPercentage *int     `json:"completion_percentage,omitempty" minimum:"0" maximum:"100"`
	Weight               *float64 `json:"weight,omitempty" minimum:"0"`
}

type UpdateTaskRequest struct {
	Title                *string   `json:"title,omitempty"`
	Description          *string   `json:"description,omitempty"`
	Priority             *string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate              *string   `json:"due_date,omitempty" doc:"YYYY-MM-DD or RFC 3339; empty clears"`
	ParentID             *string   `json:"parent_id,omitempty" doc:"empty detaches from the parent"`
	Assignees            *[]string `json:"assignees,omitempty"`
	CompletionPercentage *int      `json:"completion_percentage,omitempty" minimum:"-1" maximum:"100" doc:"-1 clears"`
	Weight               *float64  `json:"weight,omitempty" minimum:"0"`
	Status               *string   `json:"status,omitempty" enum:"todo,in_progress,under_review,on_hold,blocked,completed,cancelled"`
	Force                bool      `json:"force,omitempty"`
}

type CompleteTaskRequest struct {
	Force bool `json:"force,omitempty"`
}

type AddDependencyRequest struct {
	Type  string `json:"type,omitempty" enum:"finish-to-start,start-to-start,finish-to-finish,start-to-finish"`
	Delay int    `json:"delay,omitempty" minimum:"0" doc:"days after the dependency completes"`
}

type TemplateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Assignees   []string `json:"assignees,omitempty"`
}

type EndConditionRequest struct {
	Kind  string  `json:"kind" enum:"never,after_count,on_date"`
	Count int     `json:"count,omitempty"`
	Date  *string `json:"date,omitempty"`
}

type CreateRecurringRequest struct {
	ID           *string              `json:"id,omitempty"`
	Template     TemplateRequest      `json:"template"`
	ParentTaskID *string              `json:"parent_task_id,omitempty"`
	Frequency    string               `json:"frequency" enum:"daily,weekly,monthly"`
	Interval     int                  `json:"interval,omitempty" minimum:"0"`
	StartDate    string               `json:"start_date,omitempty"`
	End          *EndConditionRequest `json:"end,omitempty"`
}

type UpdateRecurringRequest struct {
	Title        *string              `json:"title,omitempty"`
	Description  *string              `json:"description,omitempty"`
	Priority     *string              `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Assignees    *[]string            `json:"assignees,omitempty"`
	ParentTaskID *string              `json:"parent_task_id,omitempty"`
	Frequency    *string              `json:"frequency,omitempty" enum:"daily,weekly,monthly"`
	Interval     *int                 `json:"interval,omitempty"`
	StartDate    *string              `json:"start_date,omitempty"`
	End          *EndConditionRequest `json:"end,omitempty"`
	Active       *bool                `json:"active,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	ParentID             *string  `json:"parent_id,omitempty"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Status               string   `json:"status" enum:"todo,in_progress,under_review,on_hold,blocked,completed,cancelled"`
	Priority             string   `json:"priority" enum:"low,medium,high,urgent"`
	DueDate              *string  `json:"due_date,omitempty"`
	Assignees            []string `json:"assignees"`
	CompletionPercentage *int     `json:"completion_percentage,omitempty"`
	Weight               float64  `json:"weight,omitempty"`
	RecurrenceRef        *string  `json:"recurrence_ref,omitempty"`
	OccurrenceDate       *string  `json:"occurrence_date,omitempty" format:"date"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
	StartedAt            *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
}

type DeleteTaskResponse struct {
	Removed []string `json:"removed"`
}

type EdgeResponse struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type" enum:"finish-to-start,start-to-start,finish-to-finish,start-to-finish"`
	DelayDays int    `json:"delay_days"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DependencyViewResponse struct {
	Edge   EdgeResponse `json:"edge"`
	TaskID string       `json:"task_id"`
	Title  string       `json:"title,omitempty"`
	Status string       `json:"status,omitempty"`
}

type DependencyListResponse struct {
	TaskID       string                   `json:"task_id"`
	Predecessors []DependencyViewResponse `json:"predecessors"`
	Successors   []DependencyViewResponse `json:"successors"`
}

type RemoveDependencyResponse struct {
	Removed bool `json:"removed"`
}

type CircularCheckResponse struct {
	WouldCreateCycle bool     `json:"would_create_cycle"`
	Path             []string `json:"path,omitempty"`
}

type PatternResponse struct {
	ID                 string              `json:"id"`
	ProjectID          string              `json:"project_id"`
	Template           TemplateRequest     `json:"template"`
	ParentTaskID       *string             `json:"parent_task_id,omitempty"`
	Frequency          string              `json:"frequency" enum:"daily,weekly,monthly"`
	Interval           int                 `json:"interval"`
	StartDate          string              `json:"start_date" format:"date"`
	End                EndConditionRequest `json:"end"`
	LastGeneratedUntil *string             `json:"last_generated_until,omitempty" format:"date"`
	GeneratedCount     int                 `json:"generated_count"`
	Active             bool                `json:"active"`
	CreatedAt          string              `json:"created_at" format:"date-time"`
	UpdatedAt          string              `json:"updated_at" format:"date-time"`
}

type PatternRunResponse struct {
	PatternID string `json:"pattern_id"`
	Generated int    `json:"generated"`
	Completed bool   `json:"completed"`
	Until     string `json:"until,omitempty" format:"date"`
	Error     string `json:"error,omitempty"`
}

type GenerateResponse struct {
	Runs      []PatternRunResponse `json:"runs"`
	Generated int                  `json:"generated"`
	Failed    int                  `json:"failed"`
}

type HealthResponse struct {
	TaskID               string   `json:"task_id"`
	ProjectID            string   `json:"project_id"`
	CompletionPercentage int      `json:"completion_percentage"`
	HealthStatus         string   `json:"health_status" enum:"on_track,at_risk,overdue,blocked"`
	Reasons              []string `json:"reasons"`
	ComputedAt           string   `json:"computed_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func formatTS(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTSPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTS(*t)
	return &v
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.DateOnly)
	return &v
}

// parseDay accepts a calendar date or an RFC 3339 timestamp.
func parseDay(field, s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a date (YYYY-MM-DD) or RFC 3339 timestamp", s)}
	}
	return t.UTC(), nil
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Description: p.Description, CreatedAt: formatTS(p.CreatedAt)}
}

func taskResponse(t domain.Task) TaskResponse {
	assignees := t.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return TaskResponse{
		ID:                   t.ID,
		ProjectID:            t.ProjectID,
		ParentID:             t.ParentID,
		Title:                t.Title,
		Description:          t.Description,
		Status:               string(t.Status),
		Priority:             string(t.Priority),
		DueDate:              formatTSPtr(t.DueDate),
		Assignees:            assignees,
		CompletionPercentage: t.CompletionPercentage,
		Weight:               t.Weight,
		RecurrenceRef:        t.RecurrenceRef,
		OccurrenceDate:       formatDatePtr(t.OccurrenceDate),
		CreatedAt:            formatTS(t.CreatedAt),
		UpdatedAt:            formatTS(t.UpdatedAt),
		StartedAt:            formatTSPtr(t.StartedAt),
		CompletedAt:          formatTSPtr(t.CompletedAt),
	}
}

func edgeResponse(e domain.DependencyEdge) EdgeResponse {
	return EdgeResponse{From: e.From, To: e.To, Type: string(e.Type), DelayDays: e.DelayDays, CreatedAt: formatTS(e.CreatedAt)}
}

func dependencyListResponse(l engine.DependencyList) DependencyListResponse {
	res := DependencyListResponse{TaskID: l.TaskID, Predecessors: []DependencyViewResponse{}, Successors: []DependencyViewResponse{}}
	for _, v := range l.Predecessors {
		res.Predecessors = append(res.Predecessors, DependencyViewResponse{Edge: edgeResponse(v.Edge), TaskID: v.TaskID, Title: v.Title, Status: string(v.Status)})
	}
	for _, v := range l.Successors {
		res.Successors = append(res.Successors, DependencyViewResponse{Edge: edgeResponse(v.Edge), TaskID: v.TaskID, Title: v.Title, Status: string(v.Status)})
	}
	return res
}

func patternResponse(p domain.RecurrencePattern) PatternResponse {
	return PatternResponse{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Template: TemplateRequest{
			Title:       p.Template.Title,
			Description: p.Template.Description,
			Priority:    string(p.Template.Priority),
			Assignees:   p.Template.Assignees,
		},
		ParentTaskID:       p.ParentTaskID,
		Frequency:          string(p.Frequency),
		Interval:           p.Interval,
		StartDate:          p.StartDate.Format(time.DateOnly),
		End:                EndConditionRequest{Kind: string(p.End.Kind), Count: p.End.Count, Date: formatDatePtr(p.End.Date)},
		LastGeneratedUntil: formatDatePtr(p.LastGeneratedUntil),
		GeneratedCount:     p.GeneratedCount,
		Active:             p.Active,
		CreatedAt:          formatTS(p.CreatedAt),
		UpdatedAt:          formatTS(p.UpdatedAt),
	}
}

func patternRunResponse(r recurrence.PatternRun) PatternRunResponse {
	res := PatternRunResponse{PatternID: r.PatternID, Generated: r.Generated, Completed: r.Completed, Error: r.Error}
	if !r.Until.IsZero() {
		res.Until = r.Until.Format(time.DateOnly)
	}
	return res
}

func generateResponse(runs []recurrence.PatternRun) GenerateResponse {
	res := GenerateResponse{Runs: []PatternRunResponse{}}
	for _, r := range runs {
		res.Runs = append(res.Runs, patternRunResponse(r))
		res.Generated += r.Generated
		if r.Err != nil {
			res.Failed++
		}
	}
	return res
}

func healthResponse(h domain.HealthRecord) HealthResponse {
	reasons := h.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return HealthResponse{
		TaskID:               h.TaskID,
		ProjectID:            h.ProjectID,
		CompletionPercentage: h.CompletionPercentage,
		HealthStatus:         string(h.HealthStatus),
		Reasons:              reasons,
		ComputedAt:           formatTS(h.ComputedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS.UTC().Format(time.RFC3339Nano),
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func endCondition(req *EndConditionRequest) (domain.EndCondition, error) {
	if req == nil {
		return domain.EndCondition{Kind: domain.EndNever}, nil
	}
	end := domain.EndCondition{Kind: domain.EndKind(req.Kind), Count: req.Count}
	if req.Date != nil && *req.Date != "" {
		d, err := parseDay("end.date", *req.Date)
		if err != nil {
			return end, err
		}
		end.Date = &d
	}
	return end, nil
}
