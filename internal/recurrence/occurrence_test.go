package recurrence

import (
	"errors"
	"testing"
	"time"

	"taskgraph/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func pattern(freq domain.Frequency, interval int, start string) domain.RecurrencePattern {
	return domain.RecurrencePattern{
		ID:        "p1",
		Template:  domain.TaskTemplate{Title: "Standup"},
		Frequency: freq,
		Interval:  interval,
		StartDate: date(start),
		End:       domain.EndCondition{Kind: domain.EndNever},
		Active:    true,
	}
}

func dates(occs []Occurrence) []string {
	var res []string
	for _, o := range occs {
		res = append(res, o.Date.Format(time.DateOnly))
	}
	return res
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestValidate(t *testing.T) {
	ok := pattern(domain.Weekly, 1, "2024-01-01")
	if err := Validate(ok); err != nil {
		t.Fatalf("valid pattern rejected: %v", err)
	}
	bad := []func(p *domain.RecurrencePattern){
		func(p *domain.RecurrencePattern) { p.Interval = 0 },
		func(p *domain.RecurrencePattern) { p.Interval = -2 },
		func(p *domain.RecurrencePattern) { p.Frequency = "yearly" },
		func(p *domain.RecurrencePattern) { p.Template.Title = "" },
		func(p *domain.RecurrencePattern) { p.End = domain.EndCondition{Kind: domain.EndAfterCount} },
		func(p *domain.RecurrencePattern) {
			p.End = domain.EndCondition{Kind: domain.EndOnDate, Date: ptr(date("2023-12-31"))}
		},
		func(p *domain.RecurrencePattern) { p.End = domain.EndCondition{Kind: domain.EndOnDate} },
	}
	for i, mutate := range bad {
		p := ok
		mutate(&p)
		var perr domain.RecurrencePatternError
		if err := Validate(p); !errors.As(err, &perr) {
			t.Fatalf("case %d: expected RecurrencePatternError, got %v", i, err)
		}
	}
}

func TestOccurrencesWeeklyAfterCount(t *testing.T) {
	p := pattern(domain.Weekly, 1, "2024-01-01")
	p.End = domain.EndCondition{Kind: domain.EndAfterCount, Count: 3}
	got := dates(Occurrences(p, nil, date("2024-01-22")))
	want := []string{"2024-01-01", "2024-01-08", "2024-01-15"}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	p.LastGeneratedUntil = ptr(date("2024-01-15"))
	if !EvaluateEndCondition(p) {
		t.Fatalf("end condition should be reached after three occurrences")
	}
}

func TestOccurrencesAfterWatermarkIsExclusive(t *testing.T) {
	p := pattern(domain.Daily, 2, "2024-03-01")
	got := dates(Occurrences(p, ptr(date("2024-03-05")), date("2024-03-11")))
	want := []string{"2024-03-07", "2024-03-09", "2024-03-11"}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMonthlyClamping(t *testing.T) {
	p := pattern(domain.Monthly, 1, "2024-01-31")
	got := dates(Occurrences(p, nil, date("2024-05-31")))
	want := []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	got = dates(Occurrences(p, ptr(date("2024-02-29")), date("2024-04-30")))
	want = []string{"2024-03-31", "2024-04-30"}
	if !equal(got, want) {
		t.Fatalf("after watermark: got %v want %v", got, want)
	}
	q := pattern(domain.Monthly, 12, "2024-02-29")
	if d := OccurrenceAt(q, 1).Format(time.DateOnly); d != "2025-02-28" {
		t.Fatalf("yearly step from leap day = %s", d)
	}
}

func TestOnDateEnd(t *testing.T) {
	p := pattern(domain.Weekly, 2, "2024-01-01")
	p.End = domain.EndCondition{Kind: domain.EndOnDate, Date: ptr(date("2024-02-10"))}
	got := dates(Occurrences(p, nil, date("2024-12-31")))
	want := []string{"2024-01-01", "2024-01-15", "2024-01-29"}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	p.LastGeneratedUntil = ptr(date("2024-01-29"))
	if _, ok := NextOccurrence(p); ok {
		t.Fatalf("no occurrence should remain before the end date")
	}
}

func TestNextOccurrence(t *testing.T) {
	p := pattern(domain.Daily, 1, "2024-01-01")
	next, ok := NextOccurrence(p)
	if !ok || next.Index != 0 || !next.Date.Equal(date("2024-01-01")) {
		t.Fatalf("unexpected first occurrence %+v %v", next, ok)
	}
	p.LastGeneratedUntil = ptr(date("2024-06-10"))
	next, ok = NextOccurrence(p)
	if !ok || !next.Date.Equal(date("2024-06-11")) {
		t.Fatalf("unexpected next occurrence %+v", next)
	}
	if EvaluateEndCondition(p) {
		t.Fatalf("never-ending pattern reported as ended")
	}
}
