package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// AuditStore persists the append-only audit trail.
type AuditStore struct {
	db *sql.DB
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	Action       string
	ResourceType string
	ResourceID   string
	APIKeyID     string
	TenantID     string
	Success      *bool
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Insert appends one audit row.
func (a *AuditStore) Insert(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, action, resource_type, resource_id,
			api_key_id, tenant_id, ip_address, user_agent, duration_ms, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.Action, entry.ResourceType,
		nullString(entry.ResourceID), nullString(entry.APIKeyID),
		nullString(entry.TenantID), nullString(entry.IPAddress),
		nullString(entry.UserAgent), entry.DurationMs, boolInt(entry.Success),
		nullRaw(entry.Details))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns audit rows matching the filter, newest first.
func (a *AuditStore) Query(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := `SELECT id, timestamp, action, resource_type, resource_id, api_key_id,
		tenant_id, ip_address, user_agent, duration_ms, success, details
		FROM audit_log WHERE 1=1`
	args := []any{}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.ResourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, filter.ResourceID)
	}
	if filter.APIKeyID != "" {
		query += ` AND api_key_id = ?`
		args = append(args, filter.APIKeyID)
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Success != nil {
		query += ` AND success = ?`
		args = append(args, boolInt(*filter.Success))
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(filter.Until))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		var (
			entry                          models.AuditEntry
			timestamp                      string
			resourceID, apiKeyID, tenantID sql.NullString
			ipAddress, userAgent, details  sql.NullString
			success                        int
		)
		if err := rows.Scan(&entry.ID, &timestamp, &entry.Action, &entry.ResourceType,
			&resourceID, &apiKeyID, &tenantID, &ipAddress, &userAgent,
			&entry.DurationMs, &success, &details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Timestamp = parseTime(timestamp)
		entry.ResourceID = resourceID.String
		entry.APIKeyID = apiKeyID.String
		entry.TenantID = tenantID.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entry.Success = success != 0
		if details.Valid {
			entry.Details = json.RawMessage(details.String)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Count reports how many rows match the filter's non-paging fields.
func (a *AuditStore) Count(ctx context.Context, filter AuditFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM audit_log WHERE 1=1`
	args := []any{}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(filter.Until))
	}
	var n int64
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// Purge deletes rows older than the cutoff and reports how many went.
func (a *AuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return res.RowsAffected()
}
