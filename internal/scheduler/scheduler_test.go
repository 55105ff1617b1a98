package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/workflow"
	"github.com/haasonsaas/conduit/pkg/models"
)

func newScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(slog.Default())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := workflow.New(st, nil, nil, bus, metrics, slog.Default())
	return New(st, engine, slog.Default()), st
}

func scheduledWorkflow(t *testing.T, st *store.Store, name, schedule string, enabled bool) *models.Workflow {
	t.Helper()
	cfg, _ := json.Marshal(map[string]any{"tool": "alpha/echo"})
	wf := &models.Workflow{
		Name:     name,
		Schedule: schedule,
		Enabled:  enabled,
		Definition: models.WorkflowDefinition{
			Name:  name,
			Steps: []models.Step{{Name: "a", Type: models.StepTool, Config: cfg}},
		},
	}
	if err := st.Workflows.Create(context.Background(), wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func TestReloadTracksScheduledWorkflows(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	daily := scheduledWorkflow(t, st, "daily", "0 9 * * *", true)
	hourly := scheduledWorkflow(t, st, "hourly", "@hourly", true)
	disabled := scheduledWorkflow(t, st, "off", "0 9 * * *", false)
	unscheduled := scheduledWorkflow(t, st, "manual", "", true)
	broken := scheduledWorkflow(t, st, "broken", "not a cron", true)

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !s.Scheduled(daily.ID) || !s.Scheduled(hourly.ID) {
		t.Fatal("scheduled workflows missing entries")
	}
	for _, wf := range []*models.Workflow{disabled, unscheduled, broken} {
		if s.Scheduled(wf.ID) {
			t.Fatalf("workflow %q should not be scheduled", wf.Name)
		}
	}

	next := s.NextRuns()
	if len(next) != 2 {
		t.Fatalf("next runs = %d", len(next))
	}
}

func TestReloadDropsRemovedSchedules(t *testing.T) {
	s, st := newScheduler(t)
	ctx := context.Background()

	wf := scheduledWorkflow(t, st, "daily", "0 9 * * *", true)
	if err := s.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !s.Scheduled(wf.ID) {
		t.Fatal("entry missing after first reload")
	}

	wf.Schedule = ""
	if err := st.Workflows.Update(ctx, wf); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.Scheduled(wf.ID) {
		t.Fatal("entry survived schedule removal")
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr string
		ok   bool
	}{
		{"0 9 * * *", true},
		{"@daily", true},
		{"*/5 * * * *", true},
		{"", false},
		{"61 * * * *", false},
		{"not a cron", false},
	}
	for _, tt := range tests {
		err := ValidateSchedule(tt.expr)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSchedule(%q) err = %v, want ok=%v", tt.expr, err, tt.ok)
		}
	}
}

func TestStartStop(t *testing.T) {
	s, st := newScheduler(t)
	scheduledWorkflow(t, st, "daily", "0 9 * * *", true)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s.Stop()
	s.Stop()
}
