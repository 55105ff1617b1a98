// Package workflow executes multi-step workflow definitions over the
// kernel's routed tools, prompts, and resources. Steps interpolate a shared
// execution context, persist their outcomes, and feed token and credit
// accounting into the budget enforcer.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/budget"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/router"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/upstream"
	"github.com/haasonsaas/conduit/pkg/models"
)

// defaultRetry applies when a step declares onError=retry without an
// explicit retryConfig.
var defaultRetry = models.RetryConfig{MaxAttempts: 3, BackoffMs: 1000, Multiplier: 2}

// RunOptions carries per-execution input and caller identity.
type RunOptions struct {
	Input       map[string]any
	TriggeredBy string
	TenantID    string
	APIKeyID    string
}

// Engine loads, validates, and executes workflows.
type Engine struct {
	store    *store.Store
	router   *router.Router
	budget   *budget.Enforcer
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger
	renderer *Renderer
	sampler  Sampler
	env      map[string]string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an engine. The budget enforcer may be nil, which disables
// admission and spend accounting.
func New(st *store.Store, rt *router.Router, enforcer *budget.Enforcer, bus *events.Bus,
	metrics *observability.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		router:   rt,
		budget:   enforcer,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "workflow"),
		renderer: NewRenderer(),
		env:      map[string]string{},
		running:  map[string]context.CancelFunc{},
	}
}

// SetSampler wires the LLM collaborator used by sampling steps.
func (e *Engine) SetSampler(s Sampler) { e.sampler = s }

// SetEnv sets the variables visible to templates under the env root.
func (e *Engine) SetEnv(env map[string]string) {
	if env == nil {
		env = map[string]string{}
	}
	e.env = env
}

// Create validates and stores a new workflow.
func (e *Engine) Create(ctx context.Context, wf *models.Workflow) error {
	if wf.Name == "" {
		wf.Name = wf.Definition.Name
	}
	if err := ValidateDefinition(&wf.Definition); err != nil {
		return err
	}
	return e.store.Workflows.Create(ctx, wf)
}

// Update validates and stores workflow changes.
func (e *Engine) Update(ctx context.Context, wf *models.Workflow) error {
	if err := ValidateDefinition(&wf.Definition); err != nil {
		return err
	}
	return e.store.Workflows.Update(ctx, wf)
}

// Get fetches one workflow.
func (e *Engine) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return e.store.Workflows.Get(ctx, id)
}

// List returns all workflows.
func (e *Engine) List(ctx context.Context) ([]*models.Workflow, error) {
	return e.store.Workflows.List(ctx)
}

// Delete removes a workflow; execution history is kept.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Workflows.Delete(ctx, id)
}

// SetEnabled pauses or resumes a workflow.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return e.store.Workflows.SetEnabled(ctx, id, enabled)
}

// Execution fetches one execution row.
func (e *Engine) Execution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return e.store.Executions.Get(ctx, id)
}

// Executions lists execution history for a workflow, newest first.
func (e *Engine) Executions(ctx context.Context, workflowID string, limit, offset int) ([]*models.WorkflowExecution, error) {
	return e.store.Executions.List(ctx, workflowID, limit, offset)
}

// ExecutionSteps lists the persisted step rows of one execution.
func (e *Engine) ExecutionSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	return e.store.Executions.Steps(ctx, executionID)
}

// Cancel requests cooperative cancellation of a running execution. The run
// stops between steps and the execution is marked cancelled.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return kernelerr.NotFound("running execution")
	}
	cancel()
	return nil
}

// Execute runs a workflow to completion and returns the terminal execution.
// Budget admission happens before any execution row is created: a denied run
// leaves no trace beyond the violation record.
func (e *Engine) Execute(ctx context.Context, workflowID string, opts RunOptions) (*models.WorkflowExecution, error) {
	wf, err := e.store.Workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, kernelerr.Newf(kernelerr.CodeConflict, "workflow %q is disabled", wf.Name)
	}

	target := budget.Target{WorkflowID: wf.ID, TenantID: opts.TenantID, APIKeyID: opts.APIKeyID}
	if e.budget != nil {
		decision, err := e.budget.CanExecute(ctx, target)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, kernelerr.BudgetExceeded(decision.Budget.ID, decision.Reason)
		}
	}

	input, err := json.Marshal(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	exec := &models.WorkflowExecution{
		WorkflowID:  wf.ID,
		Status:      models.ExecPending,
		Input:       input,
		TriggeredBy: opts.TriggeredBy,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.Executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if wf.Definition.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.Definition.TimeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	exec.Status = models.ExecRunning
	if err := e.store.Executions.Update(ctx, exec); err != nil {
		return nil, err
	}
	e.bus.Publish(events.Event{
		Type: events.WorkflowStarted,
		Data: map[string]any{
			"workflow_id":  wf.ID,
			"execution_id": exec.ID,
			"name":         wf.Name,
		},
	})

	r := &run{
		engine: e,
		wf:     wf,
		exec:   exec,
		ectx:   newExecContext(opts.Input, e.env),
		opts:   opts,
	}
	r.execute(runCtx)

	// Terminal state persists on a fresh context; the run context may
	// already be cancelled or past its deadline.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finalCancel()
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err := e.store.Executions.Update(finalCtx, exec); err != nil {
		e.logger.Error("failed to persist execution outcome", "execution", exec.ID, "error", err)
	}

	if e.budget != nil && exec.CostCredits > 0 {
		if err := e.budget.RecordSpend(finalCtx, target, exec.CostCredits); err != nil {
			e.logger.Error("failed to record workflow spend", "execution", exec.ID, "error", err)
		}
	}
	e.finish(wf, exec)
	return exec, nil
}

// finish emits terminal telemetry and events for one execution.
func (e *Engine) finish(wf *models.Workflow, exec *models.WorkflowExecution) {
	duration := time.Since(exec.StartedAt)
	if e.metrics != nil {
		e.metrics.WorkflowExecutions.WithLabelValues(wf.Name, string(exec.Status)).Inc()
		e.metrics.WorkflowDuration.WithLabelValues(wf.Name).Observe(duration.Seconds())
	}

	data := map[string]any{
		"workflow_id":  wf.ID,
		"execution_id": exec.ID,
		"name":         wf.Name,
		"duration_ms":  duration.Milliseconds(),
		"tokens_used":  exec.TokensUsed,
		"cost_credits": exec.CostCredits,
	}
	typ := events.WorkflowCompleted
	if exec.Status != models.ExecCompleted {
		typ = events.WorkflowFailed
		data["status"] = string(exec.Status)
		if exec.Error != "" {
			data["error"] = exec.Error
		}
	}
	e.bus.Publish(events.Event{Type: typ, Data: data})

	e.logger.Info("workflow execution finished",
		"workflow", wf.Name,
		"execution", exec.ID,
		"status", exec.Status,
		"duration_ms", duration.Milliseconds(),
		"cost_credits", exec.CostCredits)
}

// run is the state of one in-flight execution.
type run struct {
	engine *Engine
	wf     *models.Workflow
	exec   *models.WorkflowExecution
	ectx   *execContext
	opts   RunOptions
}

// execute drives the step list and settles the terminal status on r.exec.
func (r *run) execute(ctx context.Context) {
	def := &r.wf.Definition
	continueOnError := def.ErrorHandling != nil && def.ErrorHandling.Strategy == models.StrategyContinue

	for i, step := range def.Steps {
		if ctx.Err() != nil {
			r.settleCancelled(ctx)
			return
		}
		err := r.runStep(ctx, i, step)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			r.settleCancelled(ctx)
			return
		}
		if step.OnError == models.OnErrorContinue || continueOnError {
			continue
		}
		r.exec.Status = models.ExecFailed
		r.exec.Error = fmt.Sprintf("step %q: %v", step.Name, err)
		r.exec.Output = r.outputJSON()
		return
	}

	r.exec.Status = models.ExecCompleted
	r.exec.Output = r.outputJSON()
}

func (r *run) settleCancelled(ctx context.Context) {
	if ctx.Err() == context.DeadlineExceeded {
		r.exec.Status = models.ExecFailed
		r.exec.Error = "workflow timed out"
		return
	}
	r.exec.Status = models.ExecCancelled
	r.exec.Error = "execution cancelled"
}

// outputJSON snapshots every step's context record as the execution output.
func (r *run) outputJSON() json.RawMessage {
	r.ectx.mu.Lock()
	defer r.ectx.mu.Unlock()
	b, err := json.Marshal(r.ectx.steps)
	if err != nil {
		return nil
	}
	return b
}

// runStep executes one top-level step, including its precondition, retry
// loop, and the persisted step row.
func (r *run) runStep(ctx context.Context, index int, step models.Step) error {
	row := &models.ExecutionStep{
		ExecutionID: r.exec.ID,
		Index:       index,
		Name:        step.Name,
		Status:      models.StepRunning,
		Input:       step.Config,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.engine.store.Executions.CreateStep(ctx, row); err != nil {
		return err
	}

	if skip, err := r.shouldSkip(step); err != nil {
		r.finishStep(row, nil, err)
		return err
	} else if skip {
		now := time.Now().UTC()
		row.Status = models.StepSkipped
		row.CompletedAt = &now
		if err := r.engine.store.Executions.UpdateStep(ctx, row); err != nil {
			r.engine.logger.Error("failed to persist step row", "step", step.Name, "error", err)
		}
		return nil
	}

	retry := step.RetryConfig
	if retry == nil && step.OnError == models.OnErrorRetry {
		rc := defaultRetry
		retry = &rc
	}
	maxAttempts := 1
	if retry != nil && retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts
	}

	var (
		out     *stepOutput
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		row.RetryCount = attempt - 1
		out, lastErr = r.dispatch(ctx, step)
		if lastErr == nil {
			break
		}
		if attempt == maxAttempts || !kernelerr.Retryable(kernelerr.CodeOf(lastErr)) {
			break
		}
		select {
		case <-time.After(retryDelay(retry, attempt)):
		case <-ctx.Done():
			r.finishStep(row, nil, ctx.Err())
			return ctx.Err()
		}
	}

	r.finishStep(row, out, lastErr)
	return lastErr
}

// finishStep records the step outcome in the context, the row, and the
// execution accumulators.
func (r *run) finishStep(row *models.ExecutionStep, out *stepOutput, err error) {
	now := time.Now().UTC()
	row.CompletedAt = &now
	if err != nil {
		r.ectx.setError(row.Name, err)
		row.Status = models.StepFailed
		row.Error = err.Error()
	} else {
		r.ectx.setOutput(row.Name, out.value)
		row.Status = models.StepCompleted
		row.TokensUsed = out.tokens
		row.CostCredits = out.cost
		if b, merr := json.Marshal(out.value); merr == nil {
			row.Output = b
		}
		r.exec.TokensUsed += out.tokens
		r.exec.CostCredits += out.cost
	}
	// Persist on a fresh context so a cancelled run still records its rows.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := r.engine.store.Executions.UpdateStep(pctx, row); uerr != nil {
		r.engine.logger.Error("failed to persist step row", "step", row.Name, "error", uerr)
	}
}

// shouldSkip evaluates a step-level precondition.
func (r *run) shouldSkip(step models.Step) (bool, error) {
	if len(step.Condition) == 0 {
		return false, nil
	}
	var cond Condition
	if err := json.Unmarshal(step.Condition, &cond); err != nil {
		return false, kernelerr.Validation("invalid step condition",
			kernelerr.FieldError{Path: "condition", Message: err.Error()})
	}
	ok, err := evalCondition(cond, r.ectx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// stepOutput is one attempt's result plus its accounting.
type stepOutput struct {
	value  any
	tokens int64
	cost   float64
}

// dispatch interpolates the step config and runs the step body.
func (r *run) dispatch(ctx context.Context, step models.Step) (*stepOutput, error) {
	switch step.Type {
	case models.StepTool:
		return r.runTool(ctx, step)
	case models.StepPrompt:
		return r.runPrompt(ctx, step)
	case models.StepResource:
		return r.runResource(ctx, step)
	case models.StepParallel:
		return r.runParallel(ctx, step)
	case models.StepCondition:
		return r.runCondition(ctx, step)
	case models.StepSampling:
		return r.runSampling(ctx, step)
	default:
		return nil, kernelerr.Newf(kernelerr.CodeValidation, "unknown step type %q", step.Type)
	}
}

// decodeConfig interpolates the raw config and decodes it into dst.
func (r *run) decodeConfig(raw json.RawMessage, dst any) error {
	var doc any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return kernelerr.Validation("invalid step config",
				kernelerr.FieldError{Path: "config", Message: err.Error()})
		}
	}
	rendered, err := r.engine.renderer.Interpolate(doc, r.ectx)
	if err != nil {
		return kernelerr.Validation("template interpolation failed",
			kernelerr.FieldError{Path: "config", Message: err.Error()})
	}
	b, err := json.Marshal(rendered)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

type toolConfig struct {
	Tool   string         `json:"tool"`
	Server string         `json:"server,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (r *run) runTool(ctx context.Context, step models.Step) (*stepOutput, error) {
	var cfg toolConfig
	if err := r.decodeConfig(step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Tool == "" {
		return nil, kernelerr.Validation("tool step requires a tool name",
			kernelerr.FieldError{Path: "config.tool", Message: "required"})
	}
	name := cfg.Tool
	if cfg.Server != "" && !strings.Contains(name, "/") {
		name = registry.QualifiedName(cfg.Server, name)
	}

	res, err := r.engine.router.Invoke(ctx, router.Request{
		Tool:      name,
		Arguments: cfg.Params,
		APIKeyID:  r.opts.APIKeyID,
		TenantID:  r.opts.TenantID,
	})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, kernelerr.Newf(kernelerr.CodeUpstreamFailure, "tool %q reported an error: %s",
			name, blocksText(res.Content))
	}

	value := parseMaybeJSON(blocksText(res.Content))
	tokens := metaTokens(res.Meta)
	if tokens == 0 {
		tokens = estimateTokens(value)
	}
	return &stepOutput{value: value, tokens: tokens}, nil
}

type promptConfig struct {
	Prompt    string         `json:"prompt"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (r *run) runPrompt(ctx context.Context, step models.Step) (*stepOutput, error) {
	var cfg promptConfig
	if err := r.decodeConfig(step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		return nil, kernelerr.Validation("prompt step requires a prompt name",
			kernelerr.FieldError{Path: "config.prompt", Message: "required"})
	}
	res, err := r.engine.router.GetPrompt(ctx, cfg.Prompt, cfg.Arguments)
	if err != nil {
		return nil, err
	}
	value := toAny(res)
	return &stepOutput{value: value, tokens: estimateTokens(value)}, nil
}

type resourceConfig struct {
	URI string `json:"uri"`
}

func (r *run) runResource(ctx context.Context, step models.Step) (*stepOutput, error) {
	var cfg resourceConfig
	if err := r.decodeConfig(step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.URI == "" {
		return nil, kernelerr.Validation("resource step requires a uri",
			kernelerr.FieldError{Path: "config.uri", Message: "required"})
	}
	res, err := r.engine.router.ReadResource(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}
	value := toAny(res)
	return &stepOutput{value: value, tokens: estimateTokens(value)}, nil
}

type parallelConfig struct {
	Steps []models.Step `json:"steps"`
}

// runParallel executes config.steps concurrently. Child outputs land both in
// the shared context and in the parent's output map; the first child error
// fails the parent.
func (r *run) runParallel(ctx context.Context, step models.Step) (*stepOutput, error) {
	var cfg parallelConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, kernelerr.Validation("invalid parallel config",
			kernelerr.FieldError{Path: "config", Message: err.Error()})
	}
	if len(cfg.Steps) == 0 {
		return nil, kernelerr.Validation("parallel step requires child steps",
			kernelerr.FieldError{Path: "config.steps", Message: "required"})
	}

	type childResult struct {
		name string
		out  *stepOutput
		err  error
	}
	results := make([]childResult, len(cfg.Steps))
	var wg sync.WaitGroup
	for i, child := range cfg.Steps {
		wg.Add(1)
		go func(i int, child models.Step) {
			defer wg.Done()
			out, err := r.dispatch(ctx, child)
			results[i] = childResult{name: child.Name, out: out, err: err}
		}(i, child)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	gathered := map[string]any{}
	var total stepOutput
	for _, res := range results {
		if res.err != nil {
			r.ectx.setError(res.name, res.err)
			return nil, fmt.Errorf("parallel child %q: %w", res.name, res.err)
		}
		r.ectx.setOutput(res.name, res.out.value)
		gathered[res.name] = res.out.value
		total.tokens += res.out.tokens
		total.cost += res.out.cost
	}
	total.value = gathered
	return &total, nil
}

type conditionConfig struct {
	Condition Condition     `json:"condition"`
	Then      []models.Step `json:"then,omitempty"`
	Else      []models.Step `json:"else,omitempty"`
}

// runCondition evaluates the condition and runs the chosen branch
// sequentially, writing each branch step's output into the context.
func (r *run) runCondition(ctx context.Context, step models.Step) (*stepOutput, error) {
	var cfg conditionConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, kernelerr.Validation("invalid condition config",
			kernelerr.FieldError{Path: "config", Message: err.Error()})
	}
	matched, err := evalCondition(cfg.Condition, r.ectx)
	if err != nil {
		return nil, err
	}

	branch := cfg.Then
	branchName := "then"
	if !matched {
		branch = cfg.Else
		branchName = "else"
	}

	gathered := map[string]any{}
	var total stepOutput
	for _, child := range branch {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out, err := r.dispatch(ctx, child)
		if err != nil {
			r.ectx.setError(child.Name, err)
			return nil, fmt.Errorf("branch step %q: %w", child.Name, err)
		}
		r.ectx.setOutput(child.Name, out.value)
		gathered[child.Name] = out.value
		total.tokens += out.tokens
		total.cost += out.cost
	}
	total.value = map[string]any{"branch": branchName, "steps": gathered}
	return &total, nil
}

func (r *run) runSampling(ctx context.Context, step models.Step) (*stepOutput, error) {
	if r.engine.sampler == nil {
		return nil, kernelerr.New(kernelerr.CodeValidation, "sampling is not configured")
	}
	var req SamplingRequest
	if err := r.decodeConfig(step.Config, &req); err != nil {
		return nil, err
	}
	res, err := r.engine.sampler.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &stepOutput{
		value:  toAny(res),
		tokens: res.TokensUsed,
		cost:   costFor(res.Model, res.TokensUsed),
	}, nil
}

// retryDelay is backoffMs scaled by multiplier per completed attempt.
func retryDelay(rc *models.RetryConfig, attempt int) time.Duration {
	if rc == nil || rc.BackoffMs <= 0 {
		return 0
	}
	d := float64(rc.BackoffMs)
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d) * time.Millisecond
}

// blocksText concatenates the text blocks of an upstream result.
func blocksText(blocks []upstream.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Text != "" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseMaybeJSON parses tool output as JSON when it looks like JSON,
// mirroring the template renderer's behavior.
func parseMaybeJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return s
}

// metaTokens reads reported token usage from an upstream result's metadata.
func metaTokens(meta json.RawMessage) int64 {
	if len(meta) == 0 {
		return 0
	}
	var m struct {
		TokensUsed int64 `json:"tokensUsed"`
		Tokens     int64 `json:"tokens"`
	}
	if err := json.Unmarshal(meta, &m); err != nil {
		return 0
	}
	if m.TokensUsed > 0 {
		return m.TokensUsed
	}
	return m.Tokens
}

// toAny round-trips a typed value through JSON so template lookups see
// plain maps and slices.
func toAny(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
