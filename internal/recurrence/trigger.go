package recurrence

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc is what a Trigger fires; usually the engine's recurring generation for all patterns.
type RunFunc func(ctx context.Context) ([]PatternRun, error)

// Trigger fires RunFunc on a cron schedule. Overlapping firings are skipped, not queued.
type Trigger struct {
	cron    *cron.Cron
	Logger  *log.Logger
	Timeout time.Duration
}

// NewTrigger parses a standard five-field cron spec.
func NewTrigger(spec string, run RunFunc, logger *log.Logger) (*Trigger, error) {
	if logger == nil {
		logger = log.Default()
	}
	t := &Trigger{Logger: logger, Timeout: 5 * time.Minute}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { t.fire(run) }); err != nil {
		return nil, err
	}
	t.cron = c
	return t, nil
}

func (t *Trigger) fire(run RunFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()
	runs, err := run(ctx)
	if err != nil {
		t.Logger.Printf("recurring generation failed: %v", err)
		return
	}
	generated, failed := 0, 0
	for _, r := range runs {
		generated += r.Generated
		if r.Err != nil {
			failed++
		}
	}
	if generated > 0 || failed > 0 {
		t.Logger.Printf("recurring generation: %d patterns, %d instances, %d failed", len(runs), generated, failed)
	}
}

func (t *Trigger) Start() { t.cron.Start() }

// Stop halts the schedule and waits for a running firing to finish or ctx to end.
func (t *Trigger) Stop(ctx context.Context) {
	done := t.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next reports the next scheduled firing.
func (t *Trigger) Next() time.Time {
	entries := t.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
