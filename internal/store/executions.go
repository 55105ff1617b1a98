package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ExecutionStore persists workflow executions and their step records.
type ExecutionStore struct {
	db *sql.DB
}

const executionColumns = `id, workflow_id, status, input, output, error, tokens_used, cost_credits, triggered_by, started_at, completed_at`

// Create inserts a new execution row.
func (e *ExecutionStore) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), nullRaw(exec.Input),
		nullRaw(exec.Output), nullString(exec.Error), exec.TokensUsed,
		exec.CostCredits, nullString(exec.TriggeredBy),
		formatTime(exec.StartedAt), formatTimePtr(exec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an execution row.
func (e *ExecutionStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, output = ?, error = ?, tokens_used = ?, cost_credits = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status), nullRaw(exec.Output), nullString(exec.Error),
		exec.TokensUsed, exec.CostCredits, formatTimePtr(exec.CompletedAt), exec.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return requireRow(res, "execution")
}

// Get fetches an execution by id.
func (e *ExecutionStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// List returns executions for a workflow, newest first. A zero limit means
// the default page of 50.
func (e *ExecutionStore) List(ctx context.Context, workflowID string, limit, offset int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	executions := []*models.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// ListRunning returns executions still marked pending or running.
func (e *ExecutionStore) ListRunning(ctx context.Context) ([]*models.WorkflowExecution, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE status IN ('pending', 'running') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	executions := []*models.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		exec                     models.WorkflowExecution
		status, startedAt        string
		input, output, errMsg    sql.NullString
		triggeredBy, completedAt sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &input, &output, &errMsg,
		&exec.TokensUsed, &exec.CostCredits, &triggeredBy, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("execution")
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = models.ExecutionStatus(status)
	if input.Valid {
		exec.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		exec.Output = json.RawMessage(output.String)
	}
	exec.Error = errMsg.String
	exec.TriggeredBy = triggeredBy.String
	exec.StartedAt = parseTime(startedAt)
	exec.CompletedAt = parseTimePtr(completedAt)
	return &exec, nil
}

const stepColumns = `id, execution_id, step_index, name, status, input, output, error, retry_count, tokens_used, cost_credits, started_at, completed_at`

// CreateStep inserts a step record.
func (e *ExecutionStore) CreateStep(ctx context.Context, step *models.ExecutionStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO workflow_execution_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.Index, step.Name, string(step.Status),
		nullRaw(step.Input), nullRaw(step.Output), nullString(step.Error),
		step.RetryCount, step.TokensUsed, step.CostCredits,
		formatTime(step.StartedAt), formatTimePtr(step.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// UpdateStep rewrites the mutable fields of a step record.
func (e *ExecutionStore) UpdateStep(ctx context.Context, step *models.ExecutionStep) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE workflow_execution_steps
		SET status = ?, output = ?, error = ?, retry_count = ?, tokens_used = ?,
		    cost_credits = ?, completed_at = ?
		WHERE id = ?`,
		string(step.Status), nullRaw(step.Output), nullString(step.Error),
		step.RetryCount, step.TokensUsed, step.CostCredits,
		formatTimePtr(step.CompletedAt), step.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return requireRow(res, "execution step")
}

// Steps returns the step records of an execution in run order.
func (e *ExecutionStore) Steps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM workflow_execution_steps
		WHERE execution_id = ? ORDER BY step_index`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []*models.ExecutionStep{}
	for rows.Next() {
		var (
			step                  models.ExecutionStep
			status, startedAt     string
			input, output, errMsg sql.NullString
			completedAt           sql.NullString
		)
		if err := rows.Scan(&step.ID, &step.ExecutionID, &step.Index, &step.Name,
			&status, &input, &output, &errMsg, &step.RetryCount, &step.TokensUsed,
			&step.CostCredits, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = models.StepStatus(status)
		if input.Valid {
			step.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			step.Output = json.RawMessage(output.String)
		}
		step.Error = errMsg.String
		step.StartedAt = parseTime(startedAt)
		step.CompletedAt = parseTimePtr(completedAt)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
