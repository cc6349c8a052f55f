package taskgraphsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal taskgraph HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	ParentID             *string  `json:"parent_id,omitempty"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Status               string   `json:"status"`
	Priority             string   `json:"priority"`
	DueDate              *string  `json:"due_date,omitempty"`
	Assignees            []string `json:"assignees"`
	CompletionPercentage *int     `json:"completion_percentage,omitempty"`
	RecurrenceRef        *string  `json:"recurrence_ref,omitempty"`
	OccurrenceDate       *string  `json:"occurrence_date,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
	CompletedAt          *string  `json:"completed_at,omitempty"`
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	ParentID    *string  `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
}

// Edge is a dependency: To waits on From.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	DelayDays int    `json:"delay_days"`
}

// Health is the derived completion and health of a task.
type Health struct {
	TaskID               string   `json:"task_id"`
	CompletionPercentage int      `json:"completion_percentage"`
	HealthStatus         string   `json:"health_status"`
	Reasons              []string `json:"reasons"`
	ComputedAt           string   `json:"computed_at"`
}

// Pattern is a recurring task definition.
type Pattern struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Template  struct {
		Title    string `json:"title"`
		Priority string `json:"priority,omitempty"`
	} `json:"template"`
	Frequency          string  `json:"frequency"`
	Interval           int     `json:"interval"`
	StartDate          string  `json:"start_date"`
	LastGeneratedUntil *string `json:"last_generated_until,omitempty"`
	GeneratedCount     int     `json:"generated_count"`
	Active             bool    `json:"active"`
}

// NewPattern holds the fields accepted when creating a recurring task. End is
// {"kind":"after_count","count":N}, {"kind":"on_date","date":"YYYY-MM-DD"} or nil for never.
type NewPattern struct {
	Template struct {
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		Priority    string   `json:"priority,omitempty"`
		Assignees   []string `json:"assignees,omitempty"`
	} `json:"template"`
	ParentTaskID *string        `json:"parent_task_id,omitempty"`
	Frequency    string         `json:"frequency"`
	Interval     int            `json:"interval,omitempty"`
	StartDate    string         `json:"start_date,omitempty"`
	End          map[string]any `json:"end,omitempty"`
}

// GenerateResult summarizes one generation run.
type GenerateResult struct {
	Runs []struct {
		PatternID string `json:"pattern_id"`
		Generated int    `json:"generated"`
		Completed bool   `json:"completed"`
		Until     string `json:"until,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"runs"`
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when
// the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), t, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists the project's tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.projectPath("tasks")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStatus moves a task to status.
func (c *Client) SetStatus(ctx context.Context, id, status string, force bool) (Task, error) {
	body := map[string]any{"status": status}
	if force {
		body["force"] = true
	}
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// CompleteTask completes a task. It fails with code unmet_dependency while a
// finish-to-start dependency is still open.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// DeleteTask deletes a task with its subtasks and returns the removed ids.
func (c *Client) DeleteTask(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Removed []string `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp.Removed, err
}

// AddDependency makes taskID depend on dependencyID. An empty depType means finish-to-start.
func (c *Client) AddDependency(ctx context.Context, taskID, dependencyID, depType string, delayDays int) (Edge, error) {
	body := map[string]any{}
	if depType != "" {
		body["type"] = depType
	}
	if delayDays > 0 {
		body["delay"] = delayDays
	}
	var resp Edge
	err := c.do(ctx, http.MethodPost, dependencyPath(taskID, dependencyID), body, &resp)
	return resp, err
}

// RemoveDependency removes the edge and reports whether it existed.
func (c *Client) RemoveDependency(ctx context.Context, taskID, dependencyID string) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, dependencyPath(taskID, dependencyID), nil, &resp)
	return resp.Removed, err
}

// WouldCreateCycle asks whether taskID depending on dependencyID would close a cycle.
func (c *Client) WouldCreateCycle(ctx context.Context, taskID, dependencyID string) (bool, []string, error) {
	var resp struct {
		WouldCreateCycle bool     `json:"would_create_cycle"`
		Path             []string `json:"path"`
	}
	endpoint := fmt.Sprintf("tasks/%s/check-circular/%s", url.PathEscape(taskID), url.PathEscape(dependencyID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.WouldCreateCycle, resp.Path, err
}

// CreateRecurringTask creates a recurring task in the client's project.
func (c *Client) CreateRecurringTask(ctx context.Context, p NewPattern) (Pattern, error) {
	var resp Pattern
	err := c.do(ctx, http.MethodPost, c.projectPath("recurring-tasks"), p, &resp)
	return resp, err
}

// Instances lists the tasks generated from a recurring task.
func (c *Client) Instances(ctx context.Context, patternID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "recurring-tasks/"+url.PathEscape(patternID)+"/instances", nil, &resp)
	return resp, err
}

// Generate materializes recurring instances up to days ahead; zero uses the server default.
func (c *Client) Generate(ctx context.Context, days int) (GenerateResult, error) {
	endpoint := "recurring/generate"
	if days > 0 {
		endpoint = fmt.Sprintf("%s?days=%d", endpoint, days)
	}
	var resp GenerateResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// TaskHealth recomputes and returns the health of a task.
func (c *Client) TaskHealth(ctx context.Context, id string) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/health", nil, &resp)
	return resp, err
}

// ProjectHealth recomputes and returns the health of every task in the project.
func (c *Client) ProjectHealth(ctx context.Context) ([]Health, error) {
	var resp []Health
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks-health"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func dependencyPath(taskID, dependencyID string) string {
	return fmt.Sprintf("tasks/%s/dependencies/%s", url.PathEscape(taskID), url.PathEscape(dependencyID))
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

// base is the API root including the version prefix, e.g. http://127.0.0.1:8080/v0.
func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/v0") {
		base += "/v0"
	}
	return base
}
