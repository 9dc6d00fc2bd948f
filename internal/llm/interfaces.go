// Package llm provides the pluggable backends chatrecall talks to over HTTP:
// text generation (Ollama, OpenAI, Anthropic) and embeddings (Ollama, OpenAI).
// All calls are wrapped with circuit breaker protection; the backend for each
// capability is chosen once at startup by the factory functions.
package llm

import (
	"context"
	"errors"

	"github.com/scrypster/chatrecall/pkg/types"
)

// ErrInvalidResponse indicates a backend returned a well-formed HTTP response
// whose payload violates the API contract (wrong vector count, empty vector,
// missing fields).
var ErrInvalidResponse = errors.New("invalid backend response")

// TextGenerator is the interface for conversational text generation.
// Implementations receive ordered chat turns plus an optional system prompt
// and return a single assistant response.
type TextGenerator interface {
	Generate(ctx context.Context, turns []types.ChatTurn, systemPrompt string) (string, error)

	// IsAvailable reports whether the backend is reachable and usable.
	// Checked proactively before first use, never per-request.
	IsAvailable(ctx context.Context) bool

	Model() string
}

// EmbeddingBackend is the interface for generating vector embeddings.
// Embed processes all texts in one backend call and returns one vector per
// input, in input order. Vectors from different backends or models are never
// comparable and must not be mixed in one index.
type EmbeddingBackend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Kind is the backend family tag ("ollama", "openai"), part of the
	// embedding cache key.
	Kind() string

	Model() string

	IsAvailable(ctx context.Context) bool
}
