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

// APIKeyStore persists API credentials. Only key hashes are stored.
type APIKeyStore struct {
	db *sql.DB
}

// Create inserts a new key row.
func (a *APIKeyStore) Create(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, tenant_id, enabled, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		key.ID, key.Name, key.KeyHash, nullString(key.TenantID),
		boolInt(key.Enabled), formatTime(key.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.New(kernelerr.CodeConflict, "api key already exists")
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Get fetches a key by id.
func (a *APIKeyStore) Get(ctx context.Context, id string) (*models.APIKey, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, tenant_id, enabled, created_at, last_used_at
		FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// GetByHash looks up the enabled key matching the given hash.
func (a *APIKeyStore) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, tenant_id, enabled, created_at, last_used_at
		FROM api_keys WHERE key_hash = ? AND enabled = 1`, hash)
	return scanAPIKey(row)
}

// List returns all keys ordered by creation time.
func (a *APIKeyStore) List(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, name, key_hash, tenant_id, enabled, created_at, last_used_at
		FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TouchLastUsed records key activity. Failures are swallowed by callers on
// the hot path.
func (a *APIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := a.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		formatTime(at), id)
	return err
}

// SetEnabled toggles a key.
func (a *APIKeyStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := a.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`,
		boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return requireRow(res, "api key")
}

// Delete revokes a key permanently.
func (a *APIKeyStore) Delete(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return requireRow(res, "api key")
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		key        models.APIKey
		tenant     sql.NullString
		enabled    int
		createdAt  string
		lastUsedAt sql.NullString
	)
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &tenant, &enabled, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("api key")
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	key.TenantID = tenant.String
	key.Enabled = enabled != 0
	key.CreatedAt = parseTime(createdAt)
	key.LastUsedAt = parseTimePtr(lastUsedAt)
	return &key, nil
}
