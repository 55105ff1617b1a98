package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ServerStore persists upstream server definitions.
type ServerStore struct {
	db *sql.DB
}

const serverColumns = `id, name, transport, auth, health_check, rate_limits, metadata, group_id, enabled, created_at, updated_at`

// Create inserts a new server definition, assigning an id if absent.
func (s *ServerStore) Create(ctx context.Context, server *models.Server) error {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now

	transport, err := json.Marshal(server.Transport)
	if err != nil {
		return fmt.Errorf("marshal transport: %w", err)
	}
	health, _ := json.Marshal(server.HealthCheck)
	limits, _ := json.Marshal(server.RateLimits)
	meta, _ := json.Marshal(server.Metadata)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, string(transport), nullRaw(server.Auth),
		string(health), string(limits), string(meta),
		nullString(server.GroupID), boolInt(server.Enabled),
		formatTime(server.CreatedAt), formatTime(server.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "server name %q already exists", server.Name)
		}
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of a server definition.
func (s *ServerStore) Update(ctx context.Context, server *models.Server) error {
	server.UpdatedAt = time.Now().UTC()

	transport, err := json.Marshal(server.Transport)
	if err != nil {
		return fmt.Errorf("marshal transport: %w", err)
	}
	health, _ := json.Marshal(server.HealthCheck)
	limits, _ := json.Marshal(server.RateLimits)
	meta, _ := json.Marshal(server.Metadata)

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET name = ?, transport = ?, auth = ?, health_check = ?, rate_limits = ?,
		    metadata = ?, group_id = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		server.Name, string(transport), nullRaw(server.Auth), string(health),
		string(limits), string(meta), nullString(server.GroupID),
		boolInt(server.Enabled), formatTime(server.UpdatedAt), server.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "server name %q already exists", server.Name)
		}
		return fmt.Errorf("update server: %w", err)
	}
	return requireRow(res, "server")
}

// Get fetches a server by id.
func (s *ServerStore) Get(ctx context.Context, id string) (*models.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetByName fetches a server by its unique name.
func (s *ServerStore) GetByName(ctx context.Context, name string) (*models.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

// List returns all servers, optionally filtered to a group.
func (s *ServerStore) List(ctx context.Context, groupID string) ([]*models.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers`
	args := []any{}
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	servers := []*models.Server{}
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// Delete removes a server definition.
func (s *ServerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return requireRow(res, "server")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*models.Server, error) {
	var (
		server                        models.Server
		transport, health, limits, md string
		auth, groupID                 sql.NullString
		enabled                       int
		createdAt, updatedAt          string
	)
	err := row.Scan(&server.ID, &server.Name, &transport, &auth, &health,
		&limits, &md, &groupID, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("server")
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	if err := json.Unmarshal([]byte(transport), &server.Transport); err != nil {
		return nil, fmt.Errorf("decode transport: %w", err)
	}
	_ = json.Unmarshal([]byte(health), &server.HealthCheck)
	_ = json.Unmarshal([]byte(limits), &server.RateLimits)
	_ = json.Unmarshal([]byte(md), &server.Metadata)
	if auth.Valid {
		server.Auth = json.RawMessage(auth.String)
	}
	server.GroupID = groupID.String
	server.Enabled = enabled != 0
	server.CreatedAt = parseTime(createdAt)
	server.UpdatedAt = parseTime(updatedAt)
	return &server, nil
}

// GroupStore persists server groups.
type GroupStore struct {
	db *sql.DB
}

// Create inserts a new group.
func (g *GroupStore) Create(ctx context.Context, group *models.ServerGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	group.CreatedAt = time.Now().UTC()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO server_groups (id, name, description, created_at)
		VALUES (?, ?, ?, ?)`,
		group.ID, group.Name, nullString(group.Description), formatTime(group.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Newf(kernelerr.CodeConflict, "group name %q already exists", group.Name)
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// Get fetches a group by id.
func (g *GroupStore) Get(ctx context.Context, id string) (*models.ServerGroup, error) {
	var (
		group       models.ServerGroup
		description sql.NullString
		createdAt   string
	)
	err := g.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM server_groups WHERE id = ?`, id).
		Scan(&group.ID, &group.Name, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernelerr.NotFound("group")
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	group.Description = description.String
	group.CreatedAt = parseTime(createdAt)
	return &group, nil
}

// List returns all groups ordered by name.
func (g *GroupStore) List(ctx context.Context) ([]*models.ServerGroup, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM server_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := []*models.ServerGroup{}
	for rows.Next() {
		var (
			group       models.ServerGroup
			description sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&group.ID, &group.Name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		group.Description = description.String
		group.CreatedAt = parseTime(createdAt)
		groups = append(groups, &group)
	}
	return groups, rows.Err()
}

// Delete removes a group. Member servers keep running but lose the grouping.
func (g *GroupStore) Delete(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `UPDATE servers SET group_id = NULL WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("detach group members: %w", err)
	}
	res, err := g.db.ExecContext(ctx, `DELETE FROM server_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return requireRow(res, "group")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kernelerr.NotFound(what)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
