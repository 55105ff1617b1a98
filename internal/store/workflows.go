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

// WorkflowStore persists workflow rows.
type WorkflowStore struct {
	db *sql.DB
}

// Create inserts a new workflow.
func (w *WorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, definition, schedule, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(def), nullString(wf.Schedule),
		boolInt(wf.Enabled), formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "workflow name %q already exists", wf.Name)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of a workflow.
func (w *WorkflowStore) Update(ctx context.Context, wf *models.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := w.db.ExecContext(ctx, `
		UPDATE workflows SET name = ?, definition = ?, schedule = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		wf.Name, string(def), nullString(wf.Schedule), boolInt(wf.Enabled),
		formatTime(wf.UpdatedAt), wf.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "workflow name %q already exists", wf.Name)
		}
		return fmt.Errorf("update workflow: %w", err)
	}
	return requireRow(res, "workflow")
}

// SetEnabled flips the enabled flag without touching the definition.
func (w *WorkflowStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE workflows SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set workflow enabled: %w", err)
	}
	return requireRow(res, "workflow")
}

// Get fetches a workflow by id.
func (w *WorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT id, name, definition, schedule, enabled, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// GetByName fetches a workflow by its unique name.
func (w *WorkflowStore) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT id, name, definition, schedule, enabled, created_at, updated_at
		FROM workflows WHERE name = ?`, name)
	return scanWorkflow(row)
}

// List returns all workflows ordered by name.
func (w *WorkflowStore) List(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, name, definition, schedule, enabled, created_at, updated_at
		FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// ListScheduled returns enabled workflows carrying a cron schedule.
func (w *WorkflowStore) ListScheduled(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, name, definition, schedule, enabled, created_at, updated_at
		FROM workflows WHERE enabled = 1 AND schedule IS NOT NULL AND schedule != ''
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// Delete removes a workflow. Execution history is kept.
func (w *WorkflowStore) Delete(ctx context.Context, id string) error {
	res, err := w.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return requireRow(res, "workflow")
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		wf                   models.Workflow
		def                  string
		schedule             sql.NullString
		enabled              int
		createdAt, updatedAt string
	)
	err := row.Scan(&wf.ID, &wf.Name, &def, &schedule, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("workflow")
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	wf.Schedule = schedule.String
	wf.Enabled = enabled != 0
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	return &wf, nil
}

// TemplateStore persists reusable workflow templates.
type TemplateStore struct {
	db *sql.DB
}

// Create inserts a template.
func (t *TemplateStore) Create(ctx context.Context, tpl *models.WorkflowTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.CreatedAt = time.Now().UTC()
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, name, description, category, definition, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, nullString(tpl.Description), nullString(tpl.Category),
		string(def), formatTime(tpl.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "template name %q already exists", tpl.Name)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Get fetches a template by id.
func (t *TemplateStore) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, definition, created_at
		FROM workflow_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

// List returns templates, optionally filtered by category.
func (t *TemplateStore) List(ctx context.Context, category string) ([]*models.WorkflowTemplate, error) {
	query := `SELECT id, name, description, category, definition, created_at FROM workflow_templates`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY name`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := []*models.WorkflowTemplate{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// Delete removes a template.
func (t *TemplateStore) Delete(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return requireRow(res, "template")
}

func scanTemplate(row rowScanner) (*models.WorkflowTemplate, error) {
	var (
		tpl                   models.WorkflowTemplate
		description, category sql.NullString
		def, createdAt        string
	)
	err := row.Scan(&tpl.ID, &tpl.Name, &description, &category, &def, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("template")
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &tpl.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	tpl.Description = description.String
	tpl.Category = category.String
	tpl.CreatedAt = parseTime(createdAt)
	return &tpl, nil
}
