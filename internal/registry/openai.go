package registry

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder using the given API key. An empty
// model selects text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  m,
	}
}

// Model reports the embedding model identifier.
func (e *OpenAIEmbedder) Model() string { return string(e.model) }

// Embed returns one vector per input text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings api returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}
