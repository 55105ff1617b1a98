package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// KeyPatternStore persists secret-detection patterns and the detections they
// produce.
type KeyPatternStore struct {
	db *sql.DB
}

// ListEnabled returns the active detection patterns.
func (k *KeyPatternStore) ListEnabled(ctx context.Context) ([]*models.KeyPattern, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT id, name, pattern, enabled FROM key_patterns WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list key patterns: %w", err)
	}
	defer rows.Close()

	patterns := []*models.KeyPattern{}
	for rows.Next() {
		var (
			p       models.KeyPattern
			enabled int
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Pattern, &enabled); err != nil {
			return nil, fmt.Errorf("scan key pattern: %w", err)
		}
		p.Enabled = enabled != 0
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}

// InsertDetection records one observed exposure.
func (k *KeyPatternStore) InsertDetection(ctx context.Context, d *models.KeyExposureDetection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO key_exposure_detections (id, pattern_id, server_id, tool_name, snippet, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.PatternID, nullString(d.ServerID), nullString(d.ToolName),
		d.Snippet, formatTime(d.Timestamp))
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// Detections returns recent detections, newest first.
func (k *KeyPatternStore) Detections(ctx context.Context, limit int) ([]*models.KeyExposureDetection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := k.db.QueryContext(ctx, `
		SELECT id, pattern_id, server_id, tool_name, snippet, timestamp
		FROM key_exposure_detections ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	detections := []*models.KeyExposureDetection{}
	for rows.Next() {
		var (
			d                  models.KeyExposureDetection
			serverID, toolName sql.NullString
			timestamp          string
		)
		if err := rows.Scan(&d.ID, &d.PatternID, &serverID, &toolName, &d.Snippet, &timestamp); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.ServerID = serverID.String
		d.ToolName = toolName.String
		d.Timestamp = parseTime(timestamp)
		detections = append(detections, &d)
	}
	return detections, rows.Err()
}
