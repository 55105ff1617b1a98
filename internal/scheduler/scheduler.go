// Package scheduler triggers workflow executions from cron schedules. One
// cron entry exists per enabled workflow with a non-empty schedule; Reload
// rebuilds the entry set from the store after workflow mutations.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/workflow"
	"github.com/haasonsaas/conduit/pkg/models"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const runTimeout = 30 * time.Minute

// Scheduler drives scheduled workflow runs.
type Scheduler struct {
	store  *store.Store
	engine *workflow.Engine
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	running bool
}

// New creates the scheduler.
func New(st *store.Store, engine *workflow.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		engine:  engine,
		logger:  logger.With("component", "scheduler"),
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads the schedule set and begins firing entries.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts firing and waits for in-flight runs started by the cron.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Reload replaces the entry set with the store's current scheduled
// workflows. Invalid cron expressions are skipped with a warning so one bad
// schedule cannot block the rest.
func (s *Scheduler) Reload(ctx context.Context) error {
	workflows, err := s.store.Workflows.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, wf := range workflows {
		wf := wf
		id, err := s.cron.AddFunc(wf.Schedule, func() { s.fire(wf.ID) })
		if err != nil {
			s.logger.Warn("invalid schedule skipped",
				"workflow", wf.ID, "schedule", wf.Schedule, "error", err)
			continue
		}
		s.entries[wf.ID] = id
	}
	s.logger.Info("schedules loaded", "count", len(s.entries))
	return nil
}

// Scheduled reports whether a workflow currently has a cron entry.
func (s *Scheduler) Scheduled(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[workflowID]
	return ok
}

// NextRuns lists the next fire time per scheduled workflow.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, entryID := range s.entries {
		out[id] = s.cron.Entry(entryID).Next
	}
	return out
}

func (s *Scheduler) fire(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	exec, err := s.engine.Execute(ctx, workflowID, workflow.RunOptions{TriggeredBy: "schedule"})
	if err != nil {
		s.logger.Error("scheduled run failed to start", "workflow", workflowID, "error", err)
		return
	}
	if exec.Status != models.ExecCompleted {
		s.logger.Warn("scheduled run did not complete",
			"workflow", workflowID, "execution", exec.ID, "status", exec.Status, "error", exec.Error)
	}
}

// ValidateSchedule reports whether expr parses under the scheduler's cron
// dialect. Used by the API before persisting a workflow schedule.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
