// Package health derives completion and health status for tasks from their subtree and
// their dependencies.
package health

import (
	"fmt"
	"math"
	"sort"
	"time"

	"taskgraph/internal/domain"
)

// DefaultInProgressPercent is the completion assumed for an in-progress leaf without an
// explicit percentage.
const DefaultInProgressPercent = 50

// Child is a direct subtask together with its current health record.
type Child struct {
	Task   domain.Task
	Record domain.HealthRecord
}

// Predecessor is a task the evaluated task depends on, and the typed edge that says how.
type Predecessor struct {
	Edge domain.DependencyEdge
	Task domain.Task
}

type Input struct {
	Task              domain.Task
	Children          []Child
	Predecessors      []Predecessor
	Now               time.Time
	InProgressPercent int
}

// Evaluate computes the health record for in.Task. It is pure: same input, same record.
func Evaluate(in Input) domain.HealthRecord {
	t := in.Task
	rec := domain.HealthRecord{
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		ComputedAt: in.Now,
	}
	rec.CompletionPercentage = Completion(in)

	var overdue, blocked, atRisk, advisory []string
	closed := t.Status == domain.StatusCompleted || t.Status == domain.StatusCancelled

	if !closed && t.DueDate != nil && t.DueDate.Before(in.Now) {
		days := int(in.Now.Sub(*t.DueDate).Hours() / 24)
		overdue = append(overdue, fmt.Sprintf("overdue by %d day(s)", days))
	}
	if !closed {
		blocked, advisory = dependencyReasons(in)
	}
	if !closed {
		if expected, ok := expectedProgress(t, in.Now); ok && float64(rec.CompletionPercentage) < expected {
			atRisk = append(atRisk, fmt.Sprintf("behind schedule: %d%% complete, %.0f%% expected", rec.CompletionPercentage, expected))
		}
		for _, c := range in.Children {
			switch c.Record.HealthStatus {
			case domain.HealthOverdue:
				atRisk = append(atRisk, "overdue subtask "+c.Task.ID)
			case domain.HealthBlocked:
				atRisk = append(atRisk, "blocked subtask "+c.Task.ID)
			}
		}
	}

	switch {
	case len(overdue) > 0:
		rec.HealthStatus = domain.HealthOverdue
	case len(blocked) > 0:
		rec.HealthStatus = domain.HealthBlocked
	case len(atRisk) > 0:
		rec.HealthStatus = domain.HealthAtRisk
	default:
		rec.HealthStatus = domain.HealthOnTrack
	}
	rec.Reasons = make([]string, 0, len(overdue)+len(blocked)+len(atRisk)+len(advisory))
	rec.Reasons = append(rec.Reasons, overdue...)
	rec.Reasons = append(rec.Reasons, blocked...)
	rec.Reasons = append(rec.Reasons, atRisk...)
	rec.Reasons = append(rec.Reasons, advisory...)
	return rec
}

// Completion returns the completion percentage of in.Task.
// Leaves use their status or explicit percentage; parents average their non-cancelled
// children, weighted by Task.Weight (zero counts as one).
func Completion(in Input) int {
	t := in.Task
	var sum, weights float64
	for _, c := range in.Children {
		if c.Task.Status == domain.StatusCancelled {
			continue
		}
		w := c.Task.Weight
		if w <= 0 {
			w = 1
		}
		sum += w * float64(c.Record.CompletionPercentage)
		weights += w
	}
	if weights > 0 {
		return int(math.Round(sum / weights))
	}
	if t.Status == domain.StatusCompleted {
		return 100
	}
	if t.CompletionPercentage != nil {
		return max(0, min(100, *t.CompletionPercentage))
	}
	switch t.Status {
	case domain.StatusInProgress, domain.StatusUnderReview:
		if in.InProgressPercent > 0 {
			return in.InProgressPercent
		}
		return DefaultInProgressPercent
	}
	return 0
}

// expectedProgress interpolates linearly between creation and due date.
func expectedProgress(t domain.Task, now time.Time) (float64, bool) {
	if t.DueDate == nil || t.CreatedAt.IsZero() || !t.DueDate.After(t.CreatedAt) {
		return 0, false
	}
	total := t.DueDate.Sub(t.CreatedAt)
	elapsed := now.Sub(t.CreatedAt)
	if elapsed <= 0 {
		return 0, true
	}
	return math.Min(100, 100*float64(elapsed)/float64(total)), true
}

// dependencyReasons returns blocking reasons from finish-to-start edges and advisory notes
// from the other edge types. A pair joined by a finish-to-start edge is judged by it alone.
func dependencyReasons(in Input) (blocked, advisory []string) {
	fsPairs := map[string]bool{}
	for _, p := range in.Predecessors {
		if p.Edge.Type == domain.FinishToStart {
			fsPairs[p.Task.ID] = true
		}
	}
	preds := append([]Predecessor(nil), in.Predecessors...)
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Task.ID < preds[j].Task.ID })
	for _, p := range preds {
		pt := p.Task
		switch p.Edge.Type {
		case domain.FinishToStart:
			switch {
			case pt.Status == domain.StatusCancelled:
				blocked = append(blocked, "blocked by cancelled predecessor "+pt.ID)
			case pt.Status != domain.StatusCompleted:
				blocked = append(blocked, "blocked by incomplete predecessor "+pt.ID)
			case p.Edge.DelayDays > 0 && pt.CompletedAt != nil:
				ready := pt.CompletedAt.AddDate(0, 0, p.Edge.DelayDays)
				if in.Now.Before(ready) {
					blocked = append(blocked, fmt.Sprintf("waiting %d day(s) after predecessor %s", p.Edge.DelayDays, pt.ID))
				}
			}
		default:
			if fsPairs[pt.ID] {
				continue
			}
			if note := advisoryNote(p); note != "" {
				advisory = append(advisory, note)
			}
		}
	}
	return blocked, advisory
}

func advisoryNote(p Predecessor) string {
	pt := p.Task
	started := pt.Status != domain.StatusToDo && pt.Status != domain.StatusCancelled
	finished := pt.Status == domain.StatusCompleted || pt.Status == domain.StatusCancelled
	switch p.Edge.Type {
	case domain.StartToStart, domain.StartToFinish:
		if !started {
			return fmt.Sprintf("%s predecessor %s has not started", p.Edge.Type, pt.ID)
		}
	case domain.FinishToFinish:
		if !finished {
			return fmt.Sprintf("%s predecessor %s has not finished", p.Edge.Type, pt.ID)
		}
	}
	return ""
}
