// Package recurrence expands recurrence patterns into dated task instances.
package recurrence

import (
	"time"

	"taskgraph/internal/domain"
)

// Occurrence is one dated slot of a pattern. Index counts from the start date.
type Occurrence struct {
	Index int
	Date  time.Time
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Validate rejects patterns generation could not honour.
func Validate(p domain.RecurrencePattern) error {
	switch p.Frequency {
	case domain.Daily, domain.Weekly, domain.Monthly:
	default:
		return domain.RecurrencePatternError{Field: "frequency", Reason: "must be daily, weekly or monthly"}
	}
	if p.Interval < 1 {
		return domain.RecurrencePatternError{Field: "interval", Reason: "must be a positive integer"}
	}
	if p.StartDate.IsZero() {
		return domain.RecurrencePatternError{Field: "start_date", Reason: "is required"}
	}
	if p.Template.Title == "" {
		return domain.RecurrencePatternError{Field: "template.title", Reason: "is required"}
	}
	if p.Template.Priority != "" && !p.Template.Priority.Valid() {
		return domain.RecurrencePatternError{Field: "template.priority", Reason: "is not a known priority"}
	}
	switch p.End.Kind {
	case "", domain.EndNever:
	case domain.EndAfterCount:
		if p.End.Count < 1 {
			return domain.RecurrencePatternError{Field: "end.count", Reason: "must be at least 1"}
		}
	case domain.EndOnDate:
		if p.End.Date == nil {
			return domain.RecurrencePatternError{Field: "end.date", Reason: "is required"}
		}
		if Day(*p.End.Date).Before(Day(p.StartDate)) {
			return domain.RecurrencePatternError{Field: "end.date", Reason: "is before the start date"}
		}
	default:
		return domain.RecurrencePatternError{Field: "end.kind", Reason: "must be never, after_count or on_date"}
	}
	return nil
}

// OccurrenceAt returns the k-th occurrence date, ignoring the end condition.
// Monthly patterns keep the start's day of month and clamp to the last day of short months;
// every occurrence is anchored on the start, so Jan 31 yields Feb 29 then Mar 31.
func OccurrenceAt(p domain.RecurrencePattern, k int) time.Time {
	start := Day(p.StartDate)
	switch p.Frequency {
	case domain.Weekly:
		return start.AddDate(0, 0, 7*k*p.Interval)
	case domain.Monthly:
		y, m, d := start.Date()
		first := time.Date(y, m+time.Month(k*p.Interval), 1, 0, 0, 0, 0, time.UTC)
		last := first.AddDate(0, 1, -1).Day()
		if d > last {
			d = last
		}
		return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
	default:
		return start.AddDate(0, 0, k*p.Interval)
	}
}

// withinEnd reports whether the k-th occurrence at date is allowed by the end condition.
func withinEnd(p domain.RecurrencePattern, k int, date time.Time) bool {
	switch p.End.Kind {
	case domain.EndAfterCount:
		return k < p.End.Count
	case domain.EndOnDate:
		return p.End.Date != nil && !date.After(Day(*p.End.Date))
	}
	return true
}

// firstIndexAfter returns an index no greater than the first occurrence after t.
func firstIndexAfter(p domain.RecurrencePattern, t time.Time) int {
	start := Day(p.StartDate)
	if !t.After(start) {
		return 0
	}
	var k int
	switch p.Frequency {
	case domain.Monthly:
		months := (t.Year()-start.Year())*12 + int(t.Month()-start.Month())
		k = months/p.Interval - 1
	case domain.Weekly:
		k = int(t.Sub(start).Hours()/24)/(7*p.Interval) - 1
	default:
		k = int(t.Sub(start).Hours()/24)/p.Interval - 1
	}
	if k < 0 {
		k = 0
	}
	return k
}

// Occurrences lists the occurrences in (after, until], honouring the end condition.
// A nil after means the start date itself is included.
func Occurrences(p domain.RecurrencePattern, after *time.Time, until time.Time) []Occurrence {
	if p.Interval < 1 {
		return nil
	}
	until = Day(until)
	k := 0
	if after != nil {
		k = firstIndexAfter(p, Day(*after))
	}
	var res []Occurrence
	for ; ; k++ {
		date := OccurrenceAt(p, k)
		if date.After(until) || !withinEnd(p, k, date) {
			break
		}
		if after != nil && !date.After(Day(*after)) {
			continue
		}
		res = append(res, Occurrence{Index: k, Date: date})
	}
	return res
}

// NextOccurrence returns the first occurrence after the watermark, if the end condition
// still allows one.
func NextOccurrence(p domain.RecurrencePattern) (Occurrence, bool) {
	if p.Interval < 1 {
		return Occurrence{}, false
	}
	k := 0
	if p.LastGeneratedUntil != nil {
		k = firstIndexAfter(p, Day(*p.LastGeneratedUntil))
	}
	for ; ; k++ {
		date := OccurrenceAt(p, k)
		if !withinEnd(p, k, date) {
			return Occurrence{}, false
		}
		if p.LastGeneratedUntil == nil || date.After(Day(*p.LastGeneratedUntil)) {
			return Occurrence{Index: k, Date: date}, true
		}
	}
}

// EvaluateEndCondition reports whether generation should stop for good.
func EvaluateEndCondition(p domain.RecurrencePattern) bool {
	if !p.Active {
		return true
	}
	_, ok := NextOccurrence(p)
	return !ok
}
