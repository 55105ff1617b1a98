// Package security scans tool output for leaked credentials. Detection is
// observational: matches are recorded and logged, the payload is never
// rewritten.
package security

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// snippetPrefix is how many characters of a matched secret survive redaction.
const snippetPrefix = 6

type compiledPattern struct {
	pattern *models.KeyPattern
	re      *regexp.Regexp
}

// Scanner matches tool output against the enabled key patterns and records
// each exposure. It implements the router's OutputScanner.
type Scanner struct {
	store  *store.KeyPatternStore
	logger *slog.Logger

	mu       sync.RWMutex
	patterns []compiledPattern
}

// NewScanner loads and compiles the enabled patterns. Patterns that fail to
// compile are skipped with a warning rather than failing startup.
func NewScanner(ctx context.Context, st *store.KeyPatternStore, logger *slog.Logger) (*Scanner, error) {
	s := &Scanner{store: st, logger: logger}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the enabled patterns from the store.
func (s *Scanner) Reload(ctx context.Context) error {
	patterns, err := s.store.ListEnabled(ctx)
	if err != nil {
		return err
	}
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			s.logger.Warn("skipping invalid key pattern", "pattern", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, compiledPattern{pattern: p, re: re})
	}
	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()
	return nil
}

// Scan checks content against every enabled pattern and records one
// detection per matching pattern. Recording failures are logged, never
// surfaced; scanning must not affect the invocation result.
func (s *Scanner) Scan(ctx context.Context, serverID, toolName, content string) {
	if content == "" {
		return
	}
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	for _, cp := range patterns {
		match := cp.re.FindString(content)
		if match == "" {
			continue
		}
		detection := &models.KeyExposureDetection{
			PatternID: cp.pattern.ID,
			ServerID:  serverID,
			ToolName:  toolName,
			Snippet:   redact(match),
			Timestamp: time.Now().UTC(),
		}
		if err := s.store.InsertDetection(ctx, detection); err != nil {
			s.logger.Error("failed to record key exposure", "pattern", cp.pattern.Name, "error", err)
			continue
		}
		s.logger.Warn("possible key exposure in tool output",
			"pattern", cp.pattern.Name,
			"server_id", serverID,
			"tool", toolName)
	}
}

// Detections returns recent detections, newest first.
func (s *Scanner) Detections(ctx context.Context, limit int) ([]*models.KeyExposureDetection, error) {
	return s.store.Detections(ctx, limit)
}

// redact keeps a short identifying prefix and drops the rest of the match.
func redact(match string) string {
	if len(match) <= snippetPrefix {
		return match
	}
	return match[:snippetPrefix] + "...[redacted]"
}
