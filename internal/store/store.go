package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the sqlite persistence facade. Each aggregate gets its own
// sub-store; all share one *sql.DB.
type Store struct {
	db *sql.DB

	Servers     *ServerStore
	Groups      *GroupStore
	APIKeys     *APIKeyStore
	Workflows   *WorkflowStore
	Executions  *ExecutionStore
	Templates   *TemplateStore
	Webhooks    *WebhookStore
	Audit       *AuditStore
	Usage       *UsageStore
	Budgets     *BudgetStore
	Embeddings  *EmbeddingStore
	KeyPatterns *KeyPatternStore
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "conduit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// modernc sqlite serializes at the driver level but a single writer
	// avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db}
	s.Servers = &ServerStore{db: db}
	s.Groups = &GroupStore{db: db}
	s.APIKeys = &APIKeyStore{db: db}
	s.Workflows = &WorkflowStore{db: db}
	s.Executions = &ExecutionStore{db: db}
	s.Templates = &TemplateStore{db: db}
	s.Webhooks = &WebhookStore{db: db}
	s.Audit = &AuditStore{db: db}
	s.Usage = &UsageStore{db: db}
	s.Budgets = &BudgetStore{db: db}
	s.Embeddings = &EmbeddingStore{db: db}
	s.KeyPatterns = &KeyPatternStore{db: db}
	return s, nil
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC3339Nano text in UTC.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
