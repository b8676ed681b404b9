// Package maintenance runs periodic cache housekeeping on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Target is the cache surface maintenance touches.
type Target interface {
	BackendName() string
	Check(ctx context.Context) error
	Maintain(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

const jobTimeout = 10 * time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts five-field cron expressions and descriptors such as
// "@daily" or "@every 6h".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

type Scheduler struct {
	schedule cron.Schedule
	spec     string
	target   Target
	now      func() time.Time
}

func New(spec string, target Target) (*Scheduler, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	return &Scheduler{schedule: sched, spec: spec, target: target, now: time.Now}, nil
}

// Start runs the scheduler in the background until ctx is cancelled.
// An empty spec disables maintenance.
func Start(ctx context.Context, spec string, target Target) {
	if strings.TrimSpace(spec) == "" {
		log.Printf("Cache maintenance disabled: no schedule")
		return
	}
	s, err := New(spec, target)
	if err != nil {
		log.Printf("Invalid cache_maintenance_schedule '%s': %v, maintenance disabled", spec, err)
		return
	}
	log.Printf("Cache maintenance scheduled (cron: %s) for %s backend", spec, target.BackendName())
	go s.Run(ctx)
}

// Run blocks, running RunOnce at every scheduled time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.now()
		next := s.schedule.Next(now)
		wait := next.Sub(now)
		log.Debug("next cache maintenance", "at", next.Format("Mon Jan 2 15:04"), "in", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce performs a single maintenance pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := s.target.Check(ctx); err != nil {
		log.Printf("Cache maintenance skipped: %v", err)
		return
	}
	if err := s.target.Maintain(ctx); err != nil {
		log.Printf("Cache maintenance error: %v", err)
		return
	}
	entries, err := s.target.Size(ctx)
	if err != nil {
		log.Printf("Cache maintenance complete in %s (size unavailable: %v)", time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("Cache maintenance complete in %s: backend=%s entries=%d",
		time.Since(start).Round(time.Millisecond), s.target.BackendName(), entries)
}
