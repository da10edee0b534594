package coachgate

import "context"

// Chunk is one retrieved knowledge fragment as seen by embedders of the
// gateway. Mirrors the internal retrieval chunk without exposing it.
type Chunk struct {
	ID        string
	Partition string
	Text      string
	Score     float32
}

// SearchIndex answers partition-scoped similarity queries. Provide one via
// WithSearchIndex to replace the built-in Qdrant adapter.
type SearchIndex interface {
	Query(ctx context.Context, partition, query string, limit int) ([]Chunk, error)
}

// LLMClient produces a completion for an assembled prompt. Provide one via
// WithLLMClient to replace the built-in OpenAI client.
type LLMClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
