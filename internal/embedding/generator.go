package embedding

import (
	"context"
	"fmt"
	"log"

	"github.com/scrypster/chatrecall/internal/llm"
	"github.com/scrypster/chatrecall/pkg/types"
)

// Generator turns chunk text into embedding records through a backend,
// consulting the cache before every backend call. Cache misses for a batch
// are collected into a single backend request.
type Generator struct {
	backend llm.EmbeddingBackend
	cache   *Cache

	// dimension is learned from the first vector the backend produces.
	dimension int
}

// NewGenerator wires a backend to a cache. The cache may not be nil; pass a
// cache built on an unwritable directory to effectively disable it.
func NewGenerator(backend llm.EmbeddingBackend, cache *Cache) *Generator {
	return &Generator{backend: backend, cache: cache}
}

// Model returns the backend's model identifier.
func (g *Generator) Model() string { return g.backend.Model() }

// Kind returns the backend type ("ollama", "openai").
func (g *Generator) Kind() string { return g.backend.Kind() }

// Dimension returns the vector dimension, or 0 before the first embedding.
func (g *Generator) Dimension() int { return g.dimension }

// IsAvailable reports whether the backend can serve requests.
func (g *Generator) IsAvailable(ctx context.Context) bool {
	return g.backend.IsAvailable(ctx)
}

// EmbedChunks produces one embedding record per chunk, in chunk order.
// Cached vectors are reused; all misses go to the backend in one batch call.
func (g *Generator) EmbedChunks(ctx context.Context, chunks []types.Chunk) ([]types.EmbeddingRecord, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	records := make([]types.EmbeddingRecord, len(chunks))
	var missIdx []int
	var missTexts []string
	hits := 0

	kind, model := g.backend.Kind(), g.backend.Model()
	for i, chunk := range chunks {
		hash := TextHash(chunk.Text)
		rec, outcome := g.cache.Get(kind, model, hash)
		if outcome == CacheHit {
			rec.ChunkID = chunk.ID
			records[i] = rec
			g.learnDimension(len(rec.Vector))
			hits++
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, chunk.Text)
	}

	if len(missTexts) > 0 {
		vectors, err := g.backend.Embed(ctx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("embedding: backend failed for %d texts: %w", len(missTexts), err)
		}
		if len(vectors) != len(missTexts) {
			return nil, fmt.Errorf("%w: expected %d vectors, got %d", llm.ErrInvalidResponse, len(missTexts), len(vectors))
		}

		for j, i := range missIdx {
			if err := g.checkDimension(len(vectors[j])); err != nil {
				return nil, err
			}
			rec := types.EmbeddingRecord{
				ChunkID:   chunks[i].ID,
				Vector:    vectors[j],
				Model:     model,
				Dimension: len(vectors[j]),
				TextHash:  TextHash(chunks[i].Text),
			}
			records[i] = rec
			g.cache.Put(kind, model, rec)
		}
	}

	log.Printf("[embedding] embedded %d chunks (%d cached, %d computed)", len(chunks), hits, len(missTexts))
	return records, nil
}

// EmbedQuery embeds a single query string, using the same cache as chunks.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	kind, model := g.backend.Kind(), g.backend.Model()
	hash := TextHash(text)

	if rec, outcome := g.cache.Get(kind, model, hash); outcome == CacheHit {
		g.learnDimension(len(rec.Vector))
		return rec.Vector, nil
	}

	vectors, err := g.backend.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding: backend failed for query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", llm.ErrInvalidResponse, len(vectors))
	}
	if err := g.checkDimension(len(vectors[0])); err != nil {
		return nil, err
	}

	g.cache.Put(kind, model, types.EmbeddingRecord{
		Vector:    vectors[0],
		Model:     model,
		Dimension: len(vectors[0]),
		TextHash:  hash,
	})
	return vectors[0], nil
}

func (g *Generator) learnDimension(dim int) {
	if g.dimension == 0 && dim > 0 {
		g.dimension = dim
	}
}

func (g *Generator) checkDimension(dim int) error {
	if dim == 0 {
		return fmt.Errorf("%w: backend returned empty vector", llm.ErrInvalidResponse)
	}
	if g.dimension == 0 {
		g.dimension = dim
		return nil
	}
	if dim != g.dimension {
		return fmt.Errorf("%w: dimension %d does not match established dimension %d", llm.ErrInvalidResponse, dim, g.dimension)
	}
	return nil
}
