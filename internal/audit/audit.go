// Package audit keeps the append-only trail of administrative actions and
// tool invocations. Writes are buffered so the invocation path never blocks
// on the database.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// MinRetentionDays is the floor the cleanup horizon clamps to. Shorter
// retention would defeat the point of an audit trail.
const MinRetentionDays = 7

// Service buffers audit rows and flushes them to the store in the
// background.
type Service struct {
	store  *store.AuditStore
	logger *slog.Logger

	buffer chan *models.AuditEntry
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewService starts the audit writer. bufferSize 0 means the default of 1000.
func NewService(st *store.AuditStore, bufferSize int, logger *slog.Logger) *Service {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		logger: logger.With("component", "audit"),
		buffer: make(chan *models.AuditEntry, bufferSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Record queues one entry. When the buffer is full the entry is dropped with
// a warning rather than stalling the caller.
func (s *Service) Record(_ context.Context, entry *models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case s.buffer <- entry:
	default:
		s.logger.Warn("audit buffer full, dropping entry", "action", entry.Action)
	}
}

func (s *Service) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case entry := <-s.buffer:
			s.persist(entry)
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case entry := <-s.buffer:
					s.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persist(entry *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Insert(ctx, entry); err != nil {
		s.logger.Error("persist audit entry", "action", entry.Action, "error", err)
	}
}

// Close stops the writer after draining the buffer.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Query returns entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	return s.store.Query(ctx, filter)
}

// ExportJSON streams matching entries as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, filter store.AuditFilter, w io.Writer) error {
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// ExportCSV streams matching entries as CSV with a header row.
func (s *Service) ExportCSV(ctx context.Context, filter store.AuditFilter, w io.Writer) error {
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{"id", "timestamp", "action", "resource_type", "resource_id",
		"api_key_id", "tenant_id", "ip_address", "duration_ms", "success"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.APIKeyID,
			e.TenantID,
			e.IPAddress,
			strconv.FormatInt(e.DurationMs, 10),
			strconv.FormatBool(e.Success),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Cleanup purges entries older than the given horizon. Horizons below
// MinRetentionDays are clamped up to it.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < MinRetentionDays {
		olderThanDays = MinRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	purged, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	if purged > 0 {
		s.logger.Info("audit cleanup", "purged", purged, "older_than_days", olderThanDays)
	}
	return purged, nil
}
