package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t)
	migrator, err := NewMigrator(s.DB())
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}
	applied, err := migrator.Up(context.Background())
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no pending migrations, applied %v", applied)
	}
	done, pending, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(done) == 0 || len(pending) != 0 {
		t.Fatalf("status = %d applied, %d pending", len(done), len(pending))
	}
}

func testServer(name string) *models.Server {
	return &models.Server{
		Name: name,
		Transport: models.TransportConfig{
			Type:    models.TransportStdio,
			Command: "echo",
			Args:    []string{"hi"},
		},
		RateLimits: models.RateLimitConfig{PerMinute: 10},
		Metadata:   models.ServerMetadata{Category: "testing", Tags: []string{"a"}},
		Enabled:    true,
	}
}

func TestServerCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server := testServer("alpha")
	if err := s.Servers.Create(ctx, server); err != nil {
		t.Fatalf("create: %v", err)
	}
	if server.ID == "" {
		t.Fatal("expected assigned id")
	}

	got, err := s.Servers.Get(ctx, server.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "alpha" || got.Transport.Command != "echo" || !got.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Metadata.Category != "testing" || got.RateLimits.PerMinute != 10 {
		t.Fatalf("metadata mismatch: %+v", got)
	}

	if err := s.Servers.Create(ctx, testServer("alpha")); kernelerr.CodeOf(err) != kernelerr.CodeConflict {
		t.Fatalf("duplicate name error = %v, want conflict", err)
	}

	got.Metadata.Category = "moved"
	got.Enabled = false
	if err := s.Servers.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := s.Servers.GetByName(ctx, "alpha")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if again.Metadata.Category != "moved" || again.Enabled {
		t.Fatalf("update not persisted: %+v", again)
	}

	if err := s.Servers.Delete(ctx, server.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Servers.Get(ctx, server.ID); kernelerr.CodeOf(err) != kernelerr.CodeNotFound {
		t.Fatalf("get after delete = %v, want not found", err)
	}
	if err := s.Servers.Delete(ctx, server.ID); kernelerr.CodeOf(err) != kernelerr.CodeNotFound {
		t.Fatalf("double delete = %v, want not found", err)
	}
}

func TestGroupDeleteDetachesServers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	group := &models.ServerGroup{Name: "prod"}
	if err := s.Groups.Create(ctx, group); err != nil {
		t.Fatalf("create group: %v", err)
	}
	server := testServer("beta")
	server.GroupID = group.ID
	if err := s.Servers.Create(ctx, server); err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := s.Groups.Delete(ctx, group.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	got, err := s.Servers.Get(ctx, server.ID)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got.GroupID != "" {
		t.Fatalf("server still grouped: %q", got.GroupID)
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := &models.APIKey{Name: "ci", KeyHash: "abc123", Enabled: true}
	if err := s.APIKeys.Create(ctx, key); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.APIKeys.GetByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("got key %s, want %s", got.ID, key.ID)
	}

	if err := s.APIKeys.SetEnabled(ctx, key.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.APIKeys.GetByHash(ctx, "abc123"); kernelerr.CodeOf(err) != kernelerr.CodeNotFound {
		t.Fatalf("disabled key lookup = %v, want not found", err)
	}
}

func TestWorkflowExecutionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wf := &models.Workflow{
		Name: "pipeline",
		Definition: models.WorkflowDefinition{
			Name: "pipeline",
			Steps: []models.Step{
				{Name: "first", Type: models.StepTool, Config: json.RawMessage(`{"tool":"a/b"}`)},
			},
		},
		Enabled: true,
	}
	if err := s.Workflows.Create(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	exec := &models.WorkflowExecution{
		WorkflowID: wf.ID,
		Status:     models.ExecRunning,
		Input:      json.RawMessage(`{"x":1}`),
	}
	if err := s.Executions.Create(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	step := &models.ExecutionStep{
		ExecutionID: exec.ID,
		Index:       0,
		Name:        "first",
		Status:      models.StepRunning,
	}
	if err := s.Executions.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	done := time.Now().UTC()
	step.Status = models.StepCompleted
	step.Output = json.RawMessage(`{"ok":true}`)
	step.CompletedAt = &done
	if err := s.Executions.UpdateStep(ctx, step); err != nil {
		t.Fatalf("update step: %v", err)
	}

	exec.Status = models.ExecCompleted
	exec.Output = json.RawMessage(`{"ok":true}`)
	exec.TokensUsed = 42
	exec.CostCredits = 0.5
	exec.CompletedAt = &done
	if err := s.Executions.Update(ctx, exec); err != nil {
		t.Fatalf("update execution: %v", err)
	}

	got, err := s.Executions.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != models.ExecCompleted || got.TokensUsed != 42 || got.CompletedAt == nil {
		t.Fatalf("execution mismatch: %+v", got)
	}

	steps, err := s.Executions.Steps(ctx, exec.ID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != models.StepCompleted {
		t.Fatalf("steps mismatch: %+v", steps)
	}

	running, err := s.Executions.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running executions, got %d", len(running))
	}
}

func TestScheduledWorkflows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cron := &models.Workflow{Name: "nightly", Schedule: "0 2 * * *", Enabled: true,
		Definition: models.WorkflowDefinition{Name: "nightly"}}
	plain := &models.Workflow{Name: "manual", Enabled: true,
		Definition: models.WorkflowDefinition{Name: "manual"}}
	for _, wf := range []*models.Workflow{cron, plain} {
		if err := s.Workflows.Create(ctx, wf); err != nil {
			t.Fatalf("create %s: %v", wf.Name, err)
		}
	}

	scheduled, err := s.Workflows.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].Name != "nightly" {
		t.Fatalf("scheduled = %+v", scheduled)
	}
}

func TestBudgetCreateAndSpend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	budget := &models.Budget{
		Name:          "global-monthly",
		Scope:         models.ScopeGlobal,
		BudgetCredits: 100,
		Period:        models.PeriodMonthly,
		PeriodStart:   time.Now().UTC(),
		Enabled:       true,
	}
	if err := s.Budgets.Create(ctx, budget); err != nil {
		t.Fatalf("create: %v", err)
	}

	alerts, err := s.Budgets.Alerts(ctx, budget.ID)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != len(models.AlertThresholds) {
		t.Fatalf("got %d alert rows, want %d", len(alerts), len(models.AlertThresholds))
	}

	dup := &models.Budget{
		Name: "dup", Scope: models.ScopeGlobal, BudgetCredits: 5,
		Period: models.PeriodMonthly, PeriodStart: time.Now().UTC(), Enabled: true,
	}
	if err := s.Budgets.Create(ctx, dup); kernelerr.CodeOf(err) != kernelerr.CodeConflict {
		t.Fatalf("duplicate enabled budget = %v, want conflict", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		spend, err := s.Budgets.AddSpendTx(ctx, tx, budget.ID, 60)
		if err != nil {
			return err
		}
		if spend != 60 {
			t.Fatalf("spend = %v, want 60", spend)
		}
		fired, err := s.Budgets.MarkAlertTriggeredTx(ctx, tx, budget.ID, 50, time.Now().UTC())
		if err != nil {
			return err
		}
		if !fired {
			t.Fatal("expected 50 threshold to fire")
		}
		fired, err = s.Budgets.MarkAlertTriggeredTx(ctx, tx, budget.ID, 50, time.Now().UTC())
		if err != nil {
			return err
		}
		if fired {
			t.Fatal("expected 50 threshold to fire only once")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("spend tx: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.Budgets.ResetPeriodTx(ctx, tx, budget.ID, time.Now().UTC(), nil)
	})
	if err != nil {
		t.Fatalf("reset tx: %v", err)
	}
	got, err := s.Budgets.Get(ctx, budget.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentSpend != 0 {
		t.Fatalf("spend after reset = %v", got.CurrentSpend)
	}
	alerts, _ = s.Budgets.Alerts(ctx, budget.ID)
	for _, alert := range alerts {
		if alert.Triggered {
			t.Fatalf("alert %d still triggered after reset", alert.Threshold)
		}
	}
}

func TestBudgetViolations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := &models.BudgetViolation{BudgetID: "b1", Reason: "budget exhausted", Spend: 120, Limit: 100}
	if err := s.Budgets.InsertViolation(ctx, v); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Budgets.Violations(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Spend != 120 {
		t.Fatalf("violations = %+v", got)
	}
}

func TestWebhookSubscriptionDefaultsAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{
		Name: "ops", URL: "https://example.com/hook",
		Events: []string{"tool.failed"}, Enabled: true,
	}
	if err := s.Webhooks.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.RetryCount != 3 || sub.RetryDelayMs != 1000 || sub.TimeoutMs != 10000 {
		t.Fatalf("defaults not applied: %+v", sub)
	}

	for _, status := range []models.DeliveryStatus{models.DeliverySuccess, models.DeliveryFailed, models.DeliveryFailed} {
		d := &models.WebhookDelivery{
			SubscriptionID: sub.ID, Event: "tool.failed",
			Payload: json.RawMessage(`{}`), Status: status, Attempt: 1,
		}
		if err := s.Webhooks.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}

	stats, err := s.Webhooks.Stats(ctx, sub.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Failed != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	if err := s.Webhooks.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	deliveries, err := s.Webhooks.ListDeliveries(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("deliveries survived subscription delete: %d", len(deliveries))
	}
}

func TestAuditQueryAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &models.AuditEntry{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Action:    "server.create", ResourceType: "server", Success: true,
	}
	recent := &models.AuditEntry{
		Action: "tool.invoke", ResourceType: "tool", APIKeyID: "k1", Success: false,
	}
	for _, entry := range []*models.AuditEntry{old, recent} {
		if err := s.Audit.Insert(ctx, entry); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.Audit.Query(ctx, AuditFilter{Action: "tool.invoke"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].APIKeyID != "k1" {
		t.Fatalf("filtered query = %+v", got)
	}

	failed := false
	got, err = s.Audit.Query(ctx, AuditFilter{Success: &failed})
	if err != nil {
		t.Fatalf("query success filter: %v", err)
	}
	if len(got) != 1 || got[0].Action != "tool.invoke" {
		t.Fatalf("success filter = %+v", got)
	}

	purged, err := s.Audit.Purge(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d rows, want 1", purged)
	}
}

func TestUsageSummarize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []*models.UsageRecord{
		{APIKeyID: "k1", ServerID: "s1", ToolName: "s1/a", ActionType: "tool_invocation", TokensUsed: 10, CostCredits: 0.1},
		{APIKeyID: "k1", ServerID: "s1", ToolName: "s1/b", ActionType: "tool_invocation", TokensUsed: 20, CostCredits: 0.2},
		{APIKeyID: "k2", ActionType: "workflow_execution", TokensUsed: 30, CostCredits: 0.3},
	}
	for _, rec := range records {
		if err := s.Usage.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	summary, err := s.Usage.Summarize(ctx, UsageFilter{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.TotalActions != 3 || summary.TotalTokens != 60 {
		t.Fatalf("totals = %+v", summary)
	}
	if summary.ByAction["tool_invocation"] != 2 || summary.ByServer["s1"] != 2 {
		t.Fatalf("dimensions = %+v", summary)
	}

	scoped, err := s.Usage.Summarize(ctx, UsageFilter{APIKeyID: "k2"})
	if err != nil {
		t.Fatalf("scoped summarize: %v", err)
	}
	if scoped.TotalActions != 1 || scoped.TotalTokens != 30 {
		t.Fatalf("scoped totals = %+v", scoped)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	emb := registry.StoredEmbedding{
		EntityType: registry.KindTool,
		EntityID:   "srv/echo",
		Vector:     []float32{0.25, -1, 3.5},
		Model:      "test-model",
	}
	if err := s.Embeddings.Upsert(ctx, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert again with a new vector; the row must be replaced, not duplicated.
	emb.Vector = []float32{1, 2, 3}
	if err := s.Embeddings.Upsert(ctx, emb); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.Embeddings.List(ctx, []registry.Kind{registry.KindTool})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(got))
	}
	if got[0].Vector[0] != 1 || got[0].Vector[2] != 3 {
		t.Fatalf("vector = %v", got[0].Vector)
	}

	if err := s.Embeddings.Delete(ctx, registry.KindTool, "srv/echo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.Embeddings.List(ctx, []registry.Kind{registry.KindTool})
	if len(got) != 0 {
		t.Fatalf("embedding survived delete")
	}
}

func TestKeyPatternsSeeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	patterns, err := s.KeyPatterns.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("expected seeded patterns")
	}

	d := &models.KeyExposureDetection{PatternID: patterns[0].ID, Snippet: "sk-...d3f"}
	if err := s.KeyPatterns.InsertDetection(ctx, d); err != nil {
		t.Fatalf("insert detection: %v", err)
	}
	detections, err := s.KeyPatterns.Detections(ctx, 10)
	if err != nil {
		t.Fatalf("detections: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO server_groups (id, name, created_at) VALUES ('g1', 'tmp', '2026-01-01T00:00:00Z')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	groups, err := s.Groups.List(ctx)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("rollback did not discard insert: %+v", groups)
	}
}
