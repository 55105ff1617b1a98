package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// BudgetStore persists cost budgets, their alert rows, and violations.
type BudgetStore struct {
	db *sql.DB
}

const budgetColumns = `id, name, scope, scope_id, budget_credits, period, period_start, period_end, current_spend, enabled, enforce_limit, created_at, updated_at`

// Create inserts a budget plus its four threshold alert rows. The partial
// unique index rejects a second enabled budget for the same scope and period.
func (b *BudgetStore) Create(ctx context.Context, budget *models.Budget) error {
	if budget.ID == "" {
		budget.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	budget.CreatedAt = now
	budget.UpdatedAt = now

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cost_budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		budget.ID, budget.Name, string(budget.Scope), nullString(budget.ScopeID),
		budget.BudgetCredits, string(budget.Period), formatTime(budget.PeriodStart),
		formatTimePtr(budget.PeriodEnd), budget.CurrentSpend,
		boolInt(budget.Enabled), boolInt(budget.EnforceLimit),
		formatTime(budget.CreatedAt), formatTime(budget.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict,
				"an enabled %s budget for this scope and period already exists", budget.Period)
		}
		return fmt.Errorf("insert budget: %w", err)
	}

	for _, threshold := range models.AlertThresholds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_alerts (id, budget_id, threshold, triggered, triggered_at)
			VALUES (?, ?, ?, 0, NULL)`,
			uuid.NewString(), budget.ID, threshold); err != nil {
			return fmt.Errorf("insert budget alert: %w", err)
		}
	}
	return tx.Commit()
}

// Update replaces the mutable fields of a budget.
func (b *BudgetStore) Update(ctx context.Context, budget *models.Budget) error {
	budget.UpdatedAt = time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE cost_budgets
		SET name = ?, budget_credits = ?, enabled = ?, enforce_limit = ?, updated_at = ?
		WHERE id = ?`,
		budget.Name, budget.BudgetCredits, boolInt(budget.Enabled),
		boolInt(budget.EnforceLimit), formatTime(budget.UpdatedAt), budget.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.New(kernelerr.CodeConflict,
				"an enabled budget for this scope and period already exists")
		}
		return fmt.Errorf("update budget: %w", err)
	}
	return requireRow(res, "budget")
}

// Get fetches a budget by id.
func (b *BudgetStore) Get(ctx context.Context, id string) (*models.Budget, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM cost_budgets WHERE id = ?`, id)
	return scanBudget(row)
}

// List returns all budgets ordered by name.
func (b *BudgetStore) List(ctx context.Context) ([]*models.Budget, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM cost_budgets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()
	return collectBudgets(rows)
}

// FindEnabled returns the enabled budget for an exact scope target, or nil.
func (b *BudgetStore) FindEnabled(ctx context.Context, scope models.BudgetScope, scopeID string) ([]*models.Budget, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+budgetColumns+` FROM cost_budgets
		WHERE scope = ? AND ifnull(scope_id, '') = ? AND enabled = 1`,
		string(scope), scopeID)
	if err != nil {
		return nil, fmt.Errorf("find budgets: %w", err)
	}
	defer rows.Close()
	return collectBudgets(rows)
}

// Delete removes a budget. Alert rows go with it via the FK cascade.
func (b *BudgetStore) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cost_budgets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	return requireRow(res, "budget")
}

// AddSpendTx adds delta to a budget's running spend inside tx and returns the
// new total.
func (b *BudgetStore) AddSpendTx(ctx context.Context, tx *sql.Tx, id string, delta float64) (float64, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE cost_budgets SET current_spend = current_spend + ?, updated_at = ?
		WHERE id = ?`, delta, formatTime(time.Now().UTC()), id)
	if err != nil {
		return 0, fmt.Errorf("add spend: %w", err)
	}
	var spend float64
	if err := tx.QueryRowContext(ctx,
		`SELECT current_spend FROM cost_budgets WHERE id = ?`, id).Scan(&spend); err != nil {
		return 0, fmt.Errorf("read spend: %w", err)
	}
	return spend, nil
}

// ResetPeriodTx rolls a budget into a new accounting window inside tx:
// zeroes spend, rewrites the window bounds, and re-arms the alert rows.
func (b *BudgetStore) ResetPeriodTx(ctx context.Context, tx *sql.Tx, id string, start time.Time, end *time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE cost_budgets
		SET current_spend = 0, period_start = ?, period_end = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(start), formatTimePtr(end), formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("reset period: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE budget_alerts SET triggered = 0, triggered_at = NULL WHERE budget_id = ?`, id); err != nil {
		return fmt.Errorf("rearm alerts: %w", err)
	}
	return nil
}

// MarkAlertTriggeredTx arms one threshold alert inside tx. It reports false
// when the alert had already fired this period.
func (b *BudgetStore) MarkAlertTriggeredTx(ctx context.Context, tx *sql.Tx, budgetID string, threshold int, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE budget_alerts SET triggered = 1, triggered_at = ?
		WHERE budget_id = ? AND threshold = ? AND triggered = 0`,
		formatTime(at), budgetID, threshold)
	if err != nil {
		return false, fmt.Errorf("mark alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Alerts returns the threshold rows of a budget in firing order.
func (b *BudgetStore) Alerts(ctx context.Context, budgetID string) ([]*models.BudgetAlert, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, budget_id, threshold, triggered, triggered_at
		FROM budget_alerts WHERE budget_id = ? ORDER BY threshold`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.BudgetAlert{}
	for rows.Next() {
		var (
			alert       models.BudgetAlert
			triggered   int
			triggeredAt sql.NullString
		)
		if err := rows.Scan(&alert.ID, &alert.BudgetID, &alert.Threshold,
			&triggered, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.Triggered = triggered != 0
		alert.TriggeredAt = parseTimePtr(triggeredAt)
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// InsertViolation records a denied admission attempt.
func (b *BudgetStore) InsertViolation(ctx context.Context, v *models.BudgetViolation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO budget_violations (id, budget_id, workflow_id, reason, spend, budget_limit, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.BudgetID, nullString(v.WorkflowID), v.Reason, v.Spend, v.Limit,
		formatTime(v.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// Violations returns recent violations, newest first.
func (b *BudgetStore) Violations(ctx context.Context, budgetID string, limit int) ([]*models.BudgetViolation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, budget_id, workflow_id, reason, spend, budget_limit, occurred_at
		FROM budget_violations`
	args := []any{}
	if budgetID != "" {
		query += ` WHERE budget_id = ?`
		args = append(args, budgetID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	violations := []*models.BudgetViolation{}
	for rows.Next() {
		var (
			v          models.BudgetViolation
			workflowID sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&v.ID, &v.BudgetID, &workflowID, &v.Reason, &v.Spend,
			&v.Limit, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.WorkflowID = workflowID.String
		v.OccurredAt = parseTime(occurredAt)
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}

func scanBudget(row rowScanner) (*models.Budget, error) {
	var (
		budget               models.Budget
		scope, period        string
		scopeID              sql.NullString
		periodStart          string
		periodEnd            sql.NullString
		enabled, enforce     int
		createdAt, updatedAt string
	)
	err := row.Scan(&budget.ID, &budget.Name, &scope, &scopeID, &budget.BudgetCredits,
		&period, &periodStart, &periodEnd, &budget.CurrentSpend, &enabled, &enforce,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("budget")
	}
	if err != nil {
		return nil, fmt.Errorf("scan budget: %w", err)
	}
	budget.Scope = models.BudgetScope(scope)
	budget.ScopeID = scopeID.String
	budget.Period = models.BudgetPeriod(period)
	budget.PeriodStart = parseTime(periodStart)
	budget.PeriodEnd = parseTimePtr(periodEnd)
	budget.Enabled = enabled != 0
	budget.EnforceLimit = enforce != 0
	budget.CreatedAt = parseTime(createdAt)
	budget.UpdatedAt = parseTime(updatedAt)
	return &budget, nil
}

func collectBudgets(rows *sql.Rows) ([]*models.Budget, error) {
	budgets := []*models.Budget{}
	for rows.Next() {
		budget, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, budget)
	}
	return budgets, rows.Err()
}
