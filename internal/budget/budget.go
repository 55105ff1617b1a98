// Package budget enforces credit caps on workflow execution. Budgets attach
// to a workflow, a tenant, an API key, or the whole deployment; spend is
// charged against every applicable budget atomically and threshold alerts
// fire once per accounting period.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Target names the budget scopes one execution is charged against.
type Target struct {
	WorkflowID string
	TenantID   string
	APIKeyID   string
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Budget  *models.Budget `json:"budget,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Enforcer is the budget admission and accounting engine.
type Enforcer struct {
	store   *store.Store
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEnforcer creates the enforcer. Metrics may be nil.
func NewEnforcer(st *store.Store, bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		store:   st,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "budget"),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (e *Enforcer) SetClock(now func() time.Time) { e.now = now }

// Create validates and persists a budget, anchoring its first period at now.
func (e *Enforcer) Create(ctx context.Context, b *models.Budget) error {
	if err := validate(b); err != nil {
		return err
	}
	now := e.now().UTC()
	b.PeriodStart = now
	b.PeriodEnd = periodEnd(b.Period, now)
	b.CurrentSpend = 0
	return e.store.Budgets.Create(ctx, b)
}

// Update persists the mutable fields of a budget.
func (e *Enforcer) Update(ctx context.Context, b *models.Budget) error {
	if b.BudgetCredits <= 0 {
		return kernelerr.Validation("budget_credits must be positive")
	}
	return e.store.Budgets.Update(ctx, b)
}

// Get returns one budget with its period rolled forward if stale.
func (e *Enforcer) Get(ctx context.Context, id string) (*models.Budget, error) {
	b, err := e.store.Budgets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.rollIfStale(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// List returns all budgets.
func (e *Enforcer) List(ctx context.Context) ([]*models.Budget, error) {
	return e.store.Budgets.List(ctx)
}

// Delete removes a budget.
func (e *Enforcer) Delete(ctx context.Context, id string) error {
	return e.store.Budgets.Delete(ctx, id)
}

// Alerts returns the threshold rows of a budget.
func (e *Enforcer) Alerts(ctx context.Context, budgetID string) ([]*models.BudgetAlert, error) {
	return e.store.Budgets.Alerts(ctx, budgetID)
}

// Violations returns recent admission denials.
func (e *Enforcer) Violations(ctx context.Context, budgetID string, limit int) ([]*models.BudgetViolation, error) {
	return e.store.Budgets.Violations(ctx, budgetID, limit)
}

// CanExecute checks every applicable budget in specificity order (workflow,
// tenant, api key, global). The first exhausted enforcing budget denies.
// Budgets without enforce_limit only ever alert.
func (e *Enforcer) CanExecute(ctx context.Context, target Target) (*Decision, error) {
	budgets, err := e.applicable(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, b := range budgets {
		if err := e.rollIfStale(ctx, b); err != nil {
			return nil, err
		}
		if b.EnforceLimit && b.CurrentSpend >= b.BudgetCredits {
			reason := fmt.Sprintf("%s budget %q exhausted: %.2f of %.2f credits used",
				b.Scope, b.Name, b.CurrentSpend, b.BudgetCredits)
			if err := e.store.Budgets.InsertViolation(ctx, &models.BudgetViolation{
				BudgetID:   b.ID,
				WorkflowID: target.WorkflowID,
				Reason:     reason,
				Spend:      b.CurrentSpend,
				Limit:      b.BudgetCredits,
			}); err != nil {
				e.logger.Error("record violation", "budget", b.ID, "error", err)
			}
			return &Decision{Allowed: false, Budget: b, Reason: reason}, nil
		}
	}
	return &Decision{Allowed: true}, nil
}

// RecordSpend charges credits against every applicable budget in one
// transaction, then fires any newly crossed threshold alerts.
func (e *Enforcer) RecordSpend(ctx context.Context, target Target, credits float64) error {
	if credits <= 0 {
		return nil
	}
	budgets, err := e.applicable(ctx, target)
	if err != nil {
		return err
	}
	if len(budgets) == 0 {
		return nil
	}

	type crossing struct {
		budget    *models.Budget
		threshold int
		spend     float64
	}
	var crossings []crossing

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, b := range budgets {
			if err := e.rollIfStaleTx(ctx, tx, b); err != nil {
				return err
			}
			spend, err := e.store.Budgets.AddSpendTx(ctx, tx, b.ID, credits)
			if err != nil {
				return err
			}
			if b.BudgetCredits <= 0 {
				continue
			}
			percent := spend / b.BudgetCredits * 100
			for _, threshold := range models.AlertThresholds {
				if percent < float64(threshold) {
					break
				}
				fired, err := e.store.Budgets.MarkAlertTriggeredTx(ctx, tx, b.ID, threshold, e.now().UTC())
				if err != nil {
					return err
				}
				if fired {
					crossings = append(crossings, crossing{budget: b, threshold: threshold, spend: spend})
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	if e.metrics != nil {
		for _, b := range budgets {
			e.metrics.BudgetSpend.WithLabelValues(string(b.Scope)).Add(credits)
		}
	}
	for _, c := range crossings {
		e.publishThreshold(c.budget, c.threshold, c.spend)
		if c.threshold == 100 && c.budget.Scope == models.ScopeWorkflow && c.budget.EnforceLimit {
			e.pauseWorkflow(ctx, c.budget, c.spend)
		}
	}
	return nil
}

// pauseWorkflow disables a workflow whose enforcing budget is exhausted.
// Scheduled and API-triggered runs both stop until it is re-enabled.
func (e *Enforcer) pauseWorkflow(ctx context.Context, b *models.Budget, spend float64) {
	if err := e.store.Workflows.SetEnabled(ctx, b.ScopeID, false); err != nil {
		e.logger.Warn("failed to pause workflow over budget",
			"workflow", b.ScopeID, "budget", b.ID, "error", err)
		return
	}
	e.logger.Warn("workflow paused: budget exhausted", "workflow", b.ScopeID, "budget", b.ID)
	e.bus.Publish(events.Event{
		Type: events.WorkflowPausedBudget,
		Data: map[string]any{
			"workflow_id": b.ScopeID,
			"budget_id":   b.ID,
			"spend":       spend,
			"limit":       b.BudgetCredits,
		},
	})
}

func (e *Enforcer) publishThreshold(b *models.Budget, threshold int, spend float64) {
	var typ events.Type
	switch threshold {
	case 50:
		typ = events.BudgetThreshold50
	case 75:
		typ = events.BudgetThreshold75
	case 90:
		typ = events.BudgetThreshold90
	case 100:
		typ = events.BudgetExceeded
	default:
		return
	}
	e.logger.Warn("budget threshold reached",
		"budget", b.ID, "name", b.Name, "threshold", threshold, "spend", spend)
	e.bus.Publish(events.Event{
		Type: typ,
		Data: map[string]any{
			"budget_id": b.ID,
			"name":      b.Name,
			"scope":     string(b.Scope),
			"threshold": threshold,
			"spend":     spend,
			"limit":     b.BudgetCredits,
		},
	})
}

// applicable resolves the enabled budgets for a target, most specific first.
func (e *Enforcer) applicable(ctx context.Context, target Target) ([]*models.Budget, error) {
	lookups := []struct {
		scope   models.BudgetScope
		scopeID string
	}{
		{models.ScopeWorkflow, target.WorkflowID},
		{models.ScopeTenant, target.TenantID},
		{models.ScopeAPIKey, target.APIKeyID},
		{models.ScopeGlobal, ""},
	}
	var budgets []*models.Budget
	for _, lookup := range lookups {
		if lookup.scope != models.ScopeGlobal && lookup.scopeID == "" {
			continue
		}
		found, err := e.store.Budgets.FindEnabled(ctx, lookup.scope, lookup.scopeID)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, found...)
	}
	return budgets, nil
}

// rollIfStale advances an expired accounting window. Total budgets never
// roll.
func (e *Enforcer) rollIfStale(ctx context.Context, b *models.Budget) error {
	start, end, stale := e.rolledWindow(b)
	if !stale {
		return nil
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.Budgets.ResetPeriodTx(ctx, tx, b.ID, start, end)
	})
	if err != nil {
		return fmt.Errorf("roll budget %s: %w", b.ID, err)
	}
	b.PeriodStart = start
	b.PeriodEnd = end
	b.CurrentSpend = 0
	return nil
}

func (e *Enforcer) rollIfStaleTx(ctx context.Context, tx *sql.Tx, b *models.Budget) error {
	start, end, stale := e.rolledWindow(b)
	if !stale {
		return nil
	}
	if err := e.store.Budgets.ResetPeriodTx(ctx, tx, b.ID, start, end); err != nil {
		return err
	}
	b.PeriodStart = start
	b.PeriodEnd = end
	b.CurrentSpend = 0
	return nil
}

// rolledWindow computes the window containing now, stepping forward from the
// stored anchor so the cadence is preserved across idle periods.
func (e *Enforcer) rolledWindow(b *models.Budget) (time.Time, *time.Time, bool) {
	if b.Period == models.PeriodTotal || b.PeriodEnd == nil {
		return b.PeriodStart, b.PeriodEnd, false
	}
	now := e.now().UTC()
	if now.Before(*b.PeriodEnd) {
		return b.PeriodStart, b.PeriodEnd, false
	}
	start := b.PeriodStart
	end := *b.PeriodEnd
	for !now.Before(end) {
		start = end
		end = *periodEnd(b.Period, start)
	}
	return start, &end, true
}

// periodEnd returns the exclusive end of the window starting at start, or
// nil for total budgets.
func periodEnd(period models.BudgetPeriod, start time.Time) *time.Time {
	var end time.Time
	switch period {
	case models.PeriodDaily:
		end = start.AddDate(0, 0, 1)
	case models.PeriodWeekly:
		end = start.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		end = start.AddDate(0, 1, 0)
	default:
		return nil
	}
	return &end
}

func validate(b *models.Budget) error {
	var fields []kernelerr.FieldError
	switch b.Scope {
	case models.ScopeWorkflow, models.ScopeTenant, models.ScopeAPIKey:
		if b.ScopeID == "" {
			fields = append(fields, kernelerr.FieldError{
				Path: "scope_id", Message: fmt.Sprintf("required for %s scope", b.Scope)})
		}
	case models.ScopeGlobal:
		if b.ScopeID != "" {
			fields = append(fields, kernelerr.FieldError{
				Path: "scope_id", Message: "must be empty for global scope"})
		}
	default:
		fields = append(fields, kernelerr.FieldError{Path: "scope", Message: "unknown scope"})
	}
	switch b.Period {
	case models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly, models.PeriodTotal:
	default:
		fields = append(fields, kernelerr.FieldError{Path: "period", Message: "unknown period"})
	}
	if b.BudgetCredits <= 0 {
		fields = append(fields, kernelerr.FieldError{Path: "budget_credits", Message: "must be positive"})
	}
	if b.Name == "" {
		fields = append(fields, kernelerr.FieldError{Path: "name", Message: "required"})
	}
	if len(fields) > 0 {
		return kernelerr.Validation("invalid budget", fields...)
	}
	return nil
}
