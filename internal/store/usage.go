package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// UsageStore persists metered action rows.
type UsageStore struct {
	db *sql.DB
}

// UsageFilter narrows usage queries. Zero values match everything.
type UsageFilter struct {
	APIKeyID   string
	TenantID   string
	ServerID   string
	ActionType string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// UsageSummary is an aggregate over a filtered window.
type UsageSummary struct {
	TotalActions int64            `json:"total_actions"`
	TotalTokens  int64            `json:"total_tokens"`
	TotalCredits float64          `json:"total_credits"`
	ByAction     map[string]int64 `json:"by_action"`
	ByServer     map[string]int64 `json:"by_server"`
	ByTool       map[string]int64 `json:"by_tool"`
}

// Insert appends one usage row.
func (u *UsageStore) Insert(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Count <= 0 {
		rec.Count = 1
	}
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO usage_metrics (id, api_key_id, tenant_id, server_id, tool_name,
			action_type, count, tokens_used, cost_credits, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.APIKeyID, nullString(rec.TenantID), nullString(rec.ServerID),
		nullString(rec.ToolName), rec.ActionType, rec.Count, rec.TokensUsed,
		rec.CostCredits, rec.DurationMs, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Query returns usage rows matching the filter, newest first.
func (u *UsageStore) Query(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, error) {
	query, args := usageWhere(`SELECT id, api_key_id, tenant_id, server_id, tool_name,
		action_type, count, tokens_used, cost_credits, duration_ms, timestamp
		FROM usage_metrics WHERE 1=1`, filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := u.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	records := []*models.UsageRecord{}
	for rows.Next() {
		var (
			rec                  models.UsageRecord
			tenant, server, tool sql.NullString
			tokens               sql.NullInt64
			credits              sql.NullFloat64
			duration             sql.NullInt64
			timestamp            string
		)
		if err := rows.Scan(&rec.ID, &rec.APIKeyID, &tenant, &server, &tool,
			&rec.ActionType, &rec.Count, &tokens, &credits, &duration, &timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.TenantID = tenant.String
		rec.ServerID = server.String
		rec.ToolName = tool.String
		rec.TokensUsed = tokens.Int64
		rec.CostCredits = credits.Float64
		rec.DurationMs = duration.Int64
		rec.Timestamp = parseTime(timestamp)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Summarize aggregates totals and per-dimension counts over the filter.
func (u *UsageStore) Summarize(ctx context.Context, filter UsageFilter) (*UsageSummary, error) {
	summary := &UsageSummary{
		ByAction: map[string]int64{},
		ByServer: map[string]int64{},
		ByTool:   map[string]int64{},
	}

	query, args := usageWhere(`SELECT COALESCE(SUM(count), 0),
		COALESCE(SUM(tokens_used), 0), COALESCE(SUM(cost_credits), 0)
		FROM usage_metrics WHERE 1=1`, filter)
	if err := u.db.QueryRowContext(ctx, query, args...).
		Scan(&summary.TotalActions, &summary.TotalTokens, &summary.TotalCredits); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	for _, dim := range []struct {
		column string
		dest   map[string]int64
	}{
		{"action_type", summary.ByAction},
		{"server_id", summary.ByServer},
		{"tool_name", summary.ByTool},
	} {
		query, args := usageWhere(fmt.Sprintf(`SELECT %s, SUM(count) FROM usage_metrics
			WHERE %s IS NOT NULL`, dim.column, dim.column), filter)
		query += fmt.Sprintf(` GROUP BY %s`, dim.column)
		rows, err := u.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("usage by %s: %w", dim.column, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan usage by %s: %w", dim.column, err)
			}
			dim.dest[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return summary, nil
}

// Purge deletes rows older than the cutoff and reports how many went.
func (u *UsageStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := u.db.ExecContext(ctx, `DELETE FROM usage_metrics WHERE timestamp < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	return res.RowsAffected()
}

func usageWhere(base string, filter UsageFilter) (string, []any) {
	query := base
	args := []any{}
	if filter.APIKeyID != "" {
		query += ` AND api_key_id = ?`
		args = append(args, filter.APIKeyID)
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ServerID != "" {
		query += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(filter.Until))
	}
	return query, args
}
