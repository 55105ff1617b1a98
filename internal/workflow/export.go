package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// exportEnvelope is the portable form of a workflow. An imported envelope
// reproduces the workflow exactly; ids and timestamps are not carried.
type exportEnvelope struct {
	Name       string                    `json:"name"`
	Schedule   string                    `json:"schedule,omitempty"`
	Definition models.WorkflowDefinition `json:"definition"`
}

// Export serializes one workflow as portable JSON.
func (e *Engine) Export(ctx context.Context, id string) ([]byte, error) {
	wf, err := e.store.Workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(exportEnvelope{
		Name:       wf.Name,
		Schedule:   wf.Schedule,
		Definition: wf.Definition,
	}, "", "  ")
}

// Import creates a workflow from exported JSON. The definition is validated
// the same way Create validates it.
func (e *Engine) Import(ctx context.Context, data []byte) (*models.Workflow, error) {
	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, kernelerr.Validation("invalid workflow export",
			kernelerr.FieldError{Path: "", Message: err.Error()})
	}
	wf := &models.Workflow{
		Name:       env.Name,
		Schedule:   env.Schedule,
		Definition: env.Definition,
		Enabled:    true,
	}
	if err := e.Create(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateTemplate validates and stores a reusable workflow template.
func (e *Engine) CreateTemplate(ctx context.Context, tpl *models.WorkflowTemplate) error {
	if err := ValidateDefinition(&tpl.Definition); err != nil {
		return err
	}
	return e.store.Templates.Create(ctx, tpl)
}

// Template fetches one template.
func (e *Engine) Template(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return e.store.Templates.Get(ctx, id)
}

// Templates lists templates, optionally filtered by category.
func (e *Engine) Templates(ctx context.Context, category string) ([]*models.WorkflowTemplate, error) {
	return e.store.Templates.List(ctx, category)
}

// DeleteTemplate removes a template; workflows created from it are kept.
func (e *Engine) DeleteTemplate(ctx context.Context, id string) error {
	return e.store.Templates.Delete(ctx, id)
}

// Instantiate creates a workflow from a template under a new name.
func (e *Engine) Instantiate(ctx context.Context, templateID, name, schedule string) (*models.Workflow, error) {
	tpl, err := e.store.Templates.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, kernelerr.Validation("workflow name is required",
			kernelerr.FieldError{Path: "name", Message: "required"})
	}
	def := tpl.Definition
	def.Name = name
	wf := &models.Workflow{
		Name:       name,
		Schedule:   schedule,
		Definition: def,
		Enabled:    true,
	}
	if err := e.store.Workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("instantiate template %q: %w", tpl.Name, err)
	}
	return wf, nil
}
