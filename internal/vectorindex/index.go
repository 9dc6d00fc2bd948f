// Package vectorindex provides the pluggable vector index: a small contract
// (add, search, stats) with in-memory, SQLite, and PostgreSQL backends.
// All backends are interchangeable; callers depend only on the Index
// interface.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/scrypster/chatrecall/pkg/types"
)

var (
	// ErrInvalidInput indicates a malformed record or query (empty ID,
	// empty vector, non-positive topK).
	ErrInvalidInput = errors.New("vectorindex: invalid input")

	// ErrDimensionMismatch indicates a vector whose dimension differs from
	// the dimension established by the first vector the index accepted.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrClosed indicates an operation on a closed index.
	ErrClosed = errors.New("vectorindex: index is closed")
)

// Record is one retrievable unit stored in the index: the chunk's identifier,
// its embedding, and enough denormalized content to serve results without a
// second lookup.
type Record struct {
	ChunkID        string              `json:"chunk_id"`
	ConversationID int64               `json:"conversation_id"`
	Vector         []float32           `json:"vector"`
	Text           string              `json:"text"`
	Strategy       types.Strategy      `json:"strategy"`
	Metadata       types.ChunkMetadata `json:"metadata"`
}

// SearchResult is one ranked hit. Score is in [0, 1], higher is more similar.
type SearchResult struct {
	ChunkID        string              `json:"chunk_id"`
	ConversationID int64               `json:"conversation_id"`
	Text           string              `json:"text"`
	Strategy       types.Strategy      `json:"strategy"`
	Metadata       types.ChunkMetadata `json:"metadata"`
	Score          float64             `json:"score"`
}

// SearchFilter restricts search candidates by metadata. Zero values mean no
// restriction.
type SearchFilter struct {
	ConversationStyle types.ConversationStyle `json:"conversation_style,omitempty"`
	Strategy          types.Strategy          `json:"strategy,omitempty"`
}

// matches reports whether a record passes the filter. A nil filter passes
// everything.
func (f *SearchFilter) matches(rec *Record) bool {
	if f == nil {
		return true
	}
	if f.ConversationStyle != "" && rec.Metadata.ConversationStyle != f.ConversationStyle {
		return false
	}
	if f.Strategy != "" && rec.Strategy != f.Strategy {
		return false
	}
	return true
}

// IndexStats summarizes an index: total stored vectors, how many distinct
// conversations they came from, and how the count breaks down by chunking
// strategy.
type IndexStats struct {
	Backend       string         `json:"backend"`
	Count         int            `json:"count"`
	Dimension     int            `json:"dimension"`
	Conversations int            `json:"conversations"`
	ByStrategy    map[string]int `json:"by_strategy,omitempty"`
}

// Index is the vector index contract. Adding a record whose chunk ID already
// exists overwrites the stored record. Searching an empty index returns an
// empty result set, not an error. Results are ordered by descending score;
// ties keep insertion order.
type Index interface {
	// Add stores records, overwriting any existing records with the same
	// chunk IDs. The first vector ever added establishes the index
	// dimension; later vectors of a different dimension are rejected with
	// ErrDimensionMismatch and nothing from that batch is stored.
	Add(ctx context.Context, records []Record) error

	// Search returns up to topK records ranked by similarity to the query
	// vector, optionally restricted by filter.
	Search(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error)

	Stats(ctx context.Context) (IndexStats, error)

	Close() error
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched or zero-magnitude inputs.
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

// scoreFromCosine rescales cosine similarity from [-1, 1] to [0, 1].
func scoreFromCosine(cos float64) float64 {
	score := (cos + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// validateRecords checks a batch before any mutation. dimension is the
// established index dimension, or 0 when the index is still empty; the
// returned dimension reflects what the batch establishes.
func validateRecords(records []Record, dimension int) (int, error) {
	for i := range records {
		rec := &records[i]
		if rec.ChunkID == "" {
			return 0, fmt.Errorf("%w: record %d has empty chunk ID", ErrInvalidInput, i)
		}
		if len(rec.Vector) == 0 {
			return 0, fmt.Errorf("%w: record %q has empty vector", ErrInvalidInput, rec.ChunkID)
		}
		if dimension == 0 {
			dimension = len(rec.Vector)
		} else if len(rec.Vector) != dimension {
			return 0, ErrDimensionMismatch
		}
	}
	return dimension, nil
}
