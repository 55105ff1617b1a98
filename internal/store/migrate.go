package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is an embedded, forward-only schema migration.
type Migration struct {
	ID  string
	SQL string
}

// AppliedMigration records a migration applied to the database.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies embedded migrations in lexical order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by the given db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// EnsureSchema ensures the schema_migrations table exists.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies all pending migrations, each inside its own transaction.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrationIDs(ctx)
	if err != nil {
		return nil, err
	}

	appliedIDs := []string{}
	for _, migration := range m.migrations {
		if applied[migration.ID] {
			continue
		}
		if strings.TrimSpace(migration.SQL) == "" {
			return appliedIDs, fmt.Errorf("empty migration %s", migration.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return appliedIDs, fmt.Errorf("begin migration %s: %w", migration.ID, err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`,
			migration.ID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("record migration %s: %w", migration.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return appliedIDs, fmt.Errorf("commit migration %s: %w", migration.ID, err)
		}
		appliedIDs = append(appliedIDs, migration.ID)
	}
	return appliedIDs, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := []AppliedMigration{}
	appliedIDs := map[string]bool{}
	for rows.Next() {
		var entry AppliedMigration
		var at string
		if err := rows.Scan(&entry.ID, &at); err != nil {
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		entry.AppliedAt, _ = time.Parse(time.RFC3339Nano, at)
		applied = append(applied, entry)
		appliedIDs[entry.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("schema_migrations: %w", err)
	}

	pending := []Migration{}
	for _, migration := range m.migrations {
		if !appliedIDs[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) appliedMigrationIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(paths)

	migrations := make([]Migration, 0, len(paths))
	for _, path := range paths {
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		id := strings.TrimSuffix(strings.TrimPrefix(path, "migrations/"), ".sql")
		migrations = append(migrations, Migration{ID: id, SQL: string(data)})
	}
	return migrations, nil
}
