package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Embedder turns text into vectors. Implementations live at the boundary;
// the registry only depends on this seam.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// StoredEmbedding is one persisted capability vector.
type StoredEmbedding struct {
	EntityType Kind
	EntityID   string
	Vector     []float32
	Model      string
}

// EmbeddingStore persists capability embeddings.
type EmbeddingStore interface {
	Upsert(ctx context.Context, emb StoredEmbedding) error
	Delete(ctx context.Context, entityType Kind, entityID string) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context, types []Kind) ([]StoredEmbedding, error)
}

// SearchOptions bound a semantic query.
type SearchOptions struct {
	Types     []Kind
	Limit     int
	Threshold float64
}

// SearchHit is one resolved search result.
type SearchHit struct {
	Entry *Entry  `json:"entry"`
	Score float64 `json:"score"`
}

// SemanticIndex maintains embeddings for registry entries and answers
// similarity queries against them.
type SemanticIndex struct {
	set      *Set
	embedder Embedder
	store    EmbeddingStore
	logger   *slog.Logger
}

// NewSemanticIndex creates the semantic search layer. Returns nil if no
// embedder is configured; callers treat a nil index as search-disabled.
func NewSemanticIndex(set *Set, embedder Embedder, store EmbeddingStore, logger *slog.Logger) *SemanticIndex {
	if embedder == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticIndex{set: set, embedder: embedder, store: store, logger: logger.With("component", "semantic")}
}

// CanonicalText is the text form an entry is embedded under.
func CanonicalText(e *Entry) string {
	var b strings.Builder
	b.WriteString(e.Key)
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if len(e.Tags) > 0 {
		b.WriteString(". Tags: ")
		b.WriteString(strings.Join(e.Tags, ", "))
	}
	if e.Category != "" {
		b.WriteString(". Category: ")
		b.WriteString(e.Category)
	}
	return b.String()
}

// IndexEntries embeds and stores vectors for the given entries.
func (s *SemanticIndex) IndexEntries(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = CanonicalText(e)
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d entries: %w", len(entries), err)
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(entries))
	}
	for i, e := range entries {
		emb := StoredEmbedding{
			EntityType: e.Kind,
			EntityID:   e.Key,
			Vector:     vectors[i],
			Model:      s.embedder.Model(),
		}
		if err := s.store.Upsert(ctx, emb); err != nil {
			return fmt.Errorf("store embedding %s: %w", e.Key, err)
		}
	}
	return nil
}

// RemoveEntry drops the stored vector for one entry.
func (s *SemanticIndex) RemoveEntry(ctx context.Context, kind Kind, key string) error {
	return s.store.Delete(ctx, kind, key)
}

// Search embeds the query and returns live entries above the threshold,
// best first. Stale rows whose entity no longer exists are skipped.
func (s *SemanticIndex) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	types := opts.Types
	if len(types) == 0 {
		types = []Kind{KindTool, KindResource, KindPrompt}
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vectors[0]

	stored, err := s.store.List(ctx, types)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}

	hits := make([]SearchHit, 0, len(stored))
	for _, emb := range stored {
		score := cosineSimilarity(queryVec, emb.Vector)
		if score < opts.Threshold {
			continue
		}
		reg := s.set.ByKind(emb.EntityType)
		if reg == nil {
			continue
		}
		entry := reg.Find(emb.EntityID)
		if entry == nil {
			// Stale row; the entity was unregistered after indexing.
			continue
		}
		hits = append(hits, SearchHit{Entry: entry, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// ReindexAll wipes the embedding store and rebuilds it from the live
// registries.
func (s *SemanticIndex) ReindexAll(ctx context.Context) (int, error) {
	if err := s.store.DeleteAll(ctx); err != nil {
		return 0, fmt.Errorf("wipe embeddings: %w", err)
	}
	total := 0
	for _, reg := range []*Registry{s.set.Tools, s.set.Resources, s.set.Prompts} {
		entries := reg.All()
		if err := s.IndexEntries(ctx, entries); err != nil {
			return total, err
		}
		total += len(entries)
	}
	s.logger.Info("reindexed embeddings", "count", total)
	return total, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
