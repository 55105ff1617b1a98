package models

import "time"

// BudgetScope is the dimension spend is aggregated against.
type BudgetScope string

const (
	ScopeWorkflow BudgetScope = "workflow"
	ScopeTenant   BudgetScope = "tenant"
	ScopeAPIKey   BudgetScope = "api_key"
	ScopeGlobal   BudgetScope = "global"
)

// BudgetPeriod is the accounting window of a budget.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodTotal   BudgetPeriod = "total"
)

// Budget caps credit spend for a scope over a period. At most one enabled
// budget may exist per (scope, scopeId, period).
type Budget struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Scope         BudgetScope  `json:"scope"`
	ScopeID       string       `json:"scope_id,omitempty"`
	BudgetCredits float64      `json:"budget_credits"`
	Period        BudgetPeriod `json:"period"`
	PeriodStart   time.Time    `json:"period_start"`
	PeriodEnd     *time.Time   `json:"period_end,omitempty"`
	CurrentSpend  float64      `json:"current_spend"`
	Enabled       bool         `json:"enabled"`
	EnforceLimit  bool         `json:"enforce_limit"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PercentUsed reports spend as a percentage of the cap.
func (b *Budget) PercentUsed() float64 {
	if b.BudgetCredits <= 0 {
		return 0
	}
	return b.CurrentSpend / b.BudgetCredits * 100
}

// BudgetAlert is one threshold row for a budget. Each budget carries four
// (50, 75, 90, 100); a row fires at most once per period.
type BudgetAlert struct {
	ID          string     `json:"id"`
	BudgetID    string     `json:"budget_id"`
	Threshold   int        `json:"threshold"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// AlertThresholds are the percentages a budget alerts at, in firing order.
var AlertThresholds = []int{50, 75, 90, 100}

// BudgetViolation records a denied admission attempt.
type BudgetViolation struct {
	ID         string    `json:"id"`
	BudgetID   string    `json:"budget_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Reason     string    `json:"reason"`
	Spend      float64   `json:"spend"`
	Limit      float64   `json:"limit"`
	OccurredAt time.Time `json:"occurred_at"`
}
