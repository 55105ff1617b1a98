package budget

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

type eventLog struct {
	mu   sync.Mutex
	seen []events.Type
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, ev.Type)
}

func (l *eventLog) count(typ events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.seen {
		if t == typ {
			n++
		}
	}
	return n
}

func newEnforcer(t *testing.T) (*Enforcer, *eventLog, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(slog.Default())
	log := &eventLog{}
	bus.SubscribeAll(log.record)

	return NewEnforcer(st, bus, nil, slog.Default()), log, st
}

func TestCreateValidation(t *testing.T) {
	e, _, _ := newEnforcer(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		budget models.Budget
	}{
		{"workflow scope without id", models.Budget{Name: "b", Scope: models.ScopeWorkflow, BudgetCredits: 10, Period: models.PeriodDaily}},
		{"global scope with id", models.Budget{Name: "b", Scope: models.ScopeGlobal, ScopeID: "x", BudgetCredits: 10, Period: models.PeriodDaily}},
		{"zero credits", models.Budget{Name: "b", Scope: models.ScopeGlobal, Period: models.PeriodDaily}},
		{"unknown period", models.Budget{Name: "b", Scope: models.ScopeGlobal, BudgetCredits: 10, Period: "hourly"}},
		{"missing name", models.Budget{Scope: models.ScopeGlobal, BudgetCredits: 10, Period: models.PeriodDaily}},
	}
	for _, tc := range cases {
		b := tc.budget
		if err := e.Create(ctx, &b); kernelerr.CodeOf(err) != kernelerr.CodeValidation {
			t.Errorf("%s: err = %v, want validation", tc.name, err)
		}
	}
}

func TestCanExecuteWithoutBudgets(t *testing.T) {
	e, _, _ := newEnforcer(t)
	decision, err := e.CanExecute(context.Background(), Target{WorkflowID: "w1"})
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}
}

func TestEnforcedBudgetDenies(t *testing.T) {
	e, _, _ := newEnforcer(t)
	ctx := context.Background()

	b := &models.Budget{
		Name: "wf-cap", Scope: models.ScopeWorkflow, ScopeID: "w1",
		BudgetCredits: 10, Period: models.PeriodTotal,
		Enabled: true, EnforceLimit: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.RecordSpend(ctx, Target{WorkflowID: "w1"}, 10); err != nil {
		t.Fatalf("spend: %v", err)
	}

	decision, err := e.CanExecute(ctx, Target{WorkflowID: "w1"})
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if decision.Allowed {
		t.Fatal("exhausted enforcing budget must deny")
	}
	if decision.Budget == nil || decision.Budget.ID != b.ID {
		t.Fatalf("decision budget = %+v", decision.Budget)
	}

	violations, err := e.Violations(ctx, b.ID, 10)
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(violations) != 1 || violations[0].WorkflowID != "w1" {
		t.Fatalf("violations = %+v", violations)
	}
}

func TestAdvisoryBudgetNeverDenies(t *testing.T) {
	e, _, _ := newEnforcer(t)
	ctx := context.Background()

	b := &models.Budget{
		Name: "advisory", Scope: models.ScopeGlobal,
		BudgetCredits: 5, Period: models.PeriodTotal, Enabled: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.RecordSpend(ctx, Target{}, 50); err != nil {
		t.Fatalf("spend: %v", err)
	}

	decision, err := e.CanExecute(ctx, Target{})
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("advisory budget must not deny")
	}
}

func TestThresholdAlertsFireOnce(t *testing.T) {
	e, log, _ := newEnforcer(t)
	ctx := context.Background()

	b := &models.Budget{
		Name: "monthly", Scope: models.ScopeGlobal,
		BudgetCredits: 100, Period: models.PeriodMonthly, Enabled: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.RecordSpend(ctx, Target{}, 60); err != nil {
		t.Fatalf("spend 60: %v", err)
	}
	if log.count(events.BudgetThreshold50) != 1 {
		t.Fatalf("threshold_50 fired %d times", log.count(events.BudgetThreshold50))
	}
	if log.count(events.BudgetThreshold75) != 0 {
		t.Fatal("threshold_75 fired early")
	}

	// Crossing 75 and 90 in one charge fires both, and 50 stays quiet.
	if err := e.RecordSpend(ctx, Target{}, 35); err != nil {
		t.Fatalf("spend 35: %v", err)
	}
	if log.count(events.BudgetThreshold50) != 1 || log.count(events.BudgetThreshold75) != 1 || log.count(events.BudgetThreshold90) != 1 {
		t.Fatalf("thresholds = 50:%d 75:%d 90:%d",
			log.count(events.BudgetThreshold50), log.count(events.BudgetThreshold75), log.count(events.BudgetThreshold90))
	}
	if log.count(events.BudgetExceeded) != 0 {
		t.Fatal("exceeded fired below 100%")
	}

	if err := e.RecordSpend(ctx, Target{}, 10); err != nil {
		t.Fatalf("spend 10: %v", err)
	}
	if log.count(events.BudgetExceeded) != 1 {
		t.Fatalf("exceeded fired %d times", log.count(events.BudgetExceeded))
	}
}

func TestPrecedenceMostSpecificDeniesFirst(t *testing.T) {
	e, _, _ := newEnforcer(t)
	ctx := context.Background()

	global := &models.Budget{
		Name: "global", Scope: models.ScopeGlobal,
		BudgetCredits: 1000, Period: models.PeriodTotal,
		Enabled: true, EnforceLimit: true,
	}
	wf := &models.Budget{
		Name: "wf", Scope: models.ScopeWorkflow, ScopeID: "w1",
		BudgetCredits: 5, Period: models.PeriodTotal,
		Enabled: true, EnforceLimit: true,
	}
	for _, b := range []*models.Budget{global, wf} {
		if err := e.Create(ctx, b); err != nil {
			t.Fatalf("create %s: %v", b.Name, err)
		}
	}
	if err := e.RecordSpend(ctx, Target{WorkflowID: "w1"}, 5); err != nil {
		t.Fatalf("spend: %v", err)
	}

	decision, err := e.CanExecute(ctx, Target{WorkflowID: "w1"})
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if decision.Allowed || decision.Budget.Scope != models.ScopeWorkflow {
		t.Fatalf("decision = %+v, want workflow denial", decision)
	}

	// A different workflow only hits the global budget, which has headroom.
	decision, err = e.CanExecute(ctx, Target{WorkflowID: "w2"})
	if err != nil {
		t.Fatalf("can execute w2: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("unrelated workflow denied: %+v", decision)
	}
}

func TestPeriodRollsOverAndRearmsAlerts(t *testing.T) {
	e, log, _ := newEnforcer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })

	b := &models.Budget{
		Name: "daily", Scope: models.ScopeGlobal,
		BudgetCredits: 10, Period: models.PeriodDaily,
		Enabled: true, EnforceLimit: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.RecordSpend(ctx, Target{}, 10); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if decision, _ := e.CanExecute(ctx, Target{}); decision.Allowed {
		t.Fatal("exhausted budget must deny")
	}

	// Three idle days later the window has rolled and spend is reset.
	now = now.Add(72 * time.Hour)
	got, err := e.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentSpend != 0 {
		t.Fatalf("spend after roll = %v", got.CurrentSpend)
	}
	if !got.PeriodStart.After(b.PeriodStart.Add(48 * time.Hour).Add(-time.Second)) {
		t.Fatalf("period start = %v, anchor not preserved", got.PeriodStart)
	}
	if decision, _ := e.CanExecute(ctx, Target{}); !decision.Allowed {
		t.Fatal("fresh window must admit")
	}

	// Alerts re-armed: crossing 50 fires again.
	if err := e.RecordSpend(ctx, Target{}, 6); err != nil {
		t.Fatalf("spend after roll: %v", err)
	}
	if log.count(events.BudgetThreshold50) != 2 {
		t.Fatalf("threshold_50 fired %d times across periods, want 2", log.count(events.BudgetThreshold50))
	}
}

func TestExhaustedWorkflowBudgetPausesWorkflow(t *testing.T) {
	e, log, st := newEnforcer(t)
	ctx := context.Background()

	wf := &models.Workflow{
		Name:       "nightly-report",
		Definition: models.WorkflowDefinition{Name: "nightly-report"},
		Enabled:    true,
	}
	if err := st.Workflows.Create(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	b := &models.Budget{
		Name: "wf-cap", Scope: models.ScopeWorkflow, ScopeID: wf.ID,
		BudgetCredits: 10, Period: models.PeriodTotal,
		Enabled: true, EnforceLimit: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create budget: %v", err)
	}
	if err := e.RecordSpend(ctx, Target{WorkflowID: wf.ID}, 10); err != nil {
		t.Fatalf("spend: %v", err)
	}

	got, err := st.Workflows.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Enabled {
		t.Fatal("workflow still enabled after budget exhaustion")
	}
	if log.count(events.WorkflowPausedBudget) != 1 {
		t.Fatalf("paused events = %d", log.count(events.WorkflowPausedBudget))
	}
}

func TestTotalBudgetNeverRolls(t *testing.T) {
	e, _, _ := newEnforcer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })

	b := &models.Budget{
		Name: "lifetime", Scope: models.ScopeGlobal,
		BudgetCredits: 10, Period: models.PeriodTotal,
		Enabled: true, EnforceLimit: true,
	}
	if err := e.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.PeriodEnd != nil {
		t.Fatalf("total budget has period end %v", b.PeriodEnd)
	}
	if err := e.RecordSpend(ctx, Target{}, 10); err != nil {
		t.Fatalf("spend: %v", err)
	}

	now = now.AddDate(1, 0, 0)
	got, err := e.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentSpend != 10 {
		t.Fatalf("total budget spend reset: %v", got.CurrentSpend)
	}
	if decision, _ := e.CanExecute(ctx, Target{}); decision.Allowed {
		t.Fatal("total budget must stay exhausted")
	}
}
