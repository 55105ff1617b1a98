// Package usage meters billable actions: tool invocations, workflow
// executions, and the tokens and credits they consume.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Service records and aggregates usage rows.
type Service struct {
	store  *store.UsageStore
	logger *slog.Logger
}

// NewService creates the usage meter.
func NewService(st *store.UsageStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger.With("component", "usage")}
}

// Record persists one usage row. Metering failures are logged, never
// surfaced: a broken meter must not break the invocation path.
func (s *Service) Record(ctx context.Context, rec *models.UsageRecord) {
	if err := s.store.Insert(ctx, rec); err != nil {
		s.logger.Error("record usage", "action", rec.ActionType, "error", err)
	}
}

// Query returns raw usage rows matching the filter.
func (s *Service) Query(ctx context.Context, filter store.UsageFilter) ([]*models.UsageRecord, error) {
	return s.store.Query(ctx, filter)
}

// Summary aggregates usage over the filter window.
func (s *Service) Summary(ctx context.Context, filter store.UsageFilter) (*store.UsageSummary, error) {
	return s.store.Summarize(ctx, filter)
}

// MinRetentionDays is the floor the cleanup horizon clamps to.
const MinRetentionDays = 7

// Cleanup purges rows older than the horizon. Horizons below
// MinRetentionDays are clamped up to it.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < MinRetentionDays {
		olderThanDays = MinRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	purged, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("usage cleanup", "purged", purged, "older_than_days", olderThanDays)
	}
	return purged, nil
}
