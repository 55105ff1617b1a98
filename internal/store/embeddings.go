package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/registry"
)

// EmbeddingStore persists capability vectors as little-endian float32 blobs.
// It satisfies registry.EmbeddingStore.
type EmbeddingStore struct {
	db *sql.DB
}

var _ registry.EmbeddingStore = (*EmbeddingStore)(nil)

// Upsert writes or replaces the vector for one entity.
func (e *EmbeddingStore) Upsert(ctx context.Context, emb registry.StoredEmbedding) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO semantic_embeddings (entity_type, entity_id, embedding, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
			created_at = excluded.created_at`,
		string(emb.EntityType), emb.EntityID, encodeVector(emb.Vector), emb.Model,
		formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// Delete removes the vector for one entity.
func (e *EmbeddingStore) Delete(ctx context.Context, entityType registry.Kind, entityID string) error {
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM semantic_embeddings WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// DeleteAll wipes the embedding table.
func (e *EmbeddingStore) DeleteAll(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM semantic_embeddings`); err != nil {
		return fmt.Errorf("wipe embeddings: %w", err)
	}
	return nil
}

// List returns all stored vectors for the given entity types.
func (e *EmbeddingStore) List(ctx context.Context, types []registry.Kind) ([]registry.StoredEmbedding, error) {
	if len(types) == 0 {
		return []registry.StoredEmbedding{}, nil
	}
	placeholders := strings.Repeat("?, ", len(types)-1) + "?"
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, embedding, model FROM semantic_embeddings
		WHERE entity_type IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	embeddings := []registry.StoredEmbedding{}
	for rows.Next() {
		var (
			emb        registry.StoredEmbedding
			entityType string
			blob       []byte
		)
		if err := rows.Scan(&entityType, &emb.EntityID, &blob, &emb.Model); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		emb.EntityType = registry.Kind(entityType)
		emb.Vector = decodeVector(blob)
		embeddings = append(embeddings, emb)
	}
	return embeddings, rows.Err()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
