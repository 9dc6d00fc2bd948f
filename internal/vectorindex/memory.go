package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Ensure *MemoryIndex implements Index at compile time.
var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is an in-process index holding all records in a slice. Records
// keep their first-insertion position on overwrite, so score ties resolve in
// a stable, reproducible order. Suitable for tests and small datasets; the
// whole index can be persisted to a single JSON file.
type MemoryIndex struct {
	mu        sync.RWMutex
	records   []Record
	byID      map[string]int
	dimension int
	closed    bool

	// persistPath, when set, receives a snapshot on Close.
	persistPath string
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byID: make(map[string]int)}
}

// Add stores or overwrites records.
func (m *MemoryIndex) Add(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	dim, err := validateRecords(records, m.dimension)
	if err != nil {
		return err
	}
	m.dimension = dim

	for _, rec := range records {
		if i, ok := m.byID[rec.ChunkID]; ok {
			m.records[i] = rec
			continue
		}
		m.byID[rec.ChunkID] = len(m.records)
		m.records = append(m.records, rec)
	}
	return nil
}

// Search ranks all stored records by similarity to the query vector.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if len(m.records) == 0 {
		return []SearchResult{}, nil
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDimensionMismatch, len(vector), m.dimension)
	}

	results := make([]SearchResult, 0, len(m.records))
	for i := range m.records {
		rec := &m.records[i]
		if !filter.matches(rec) {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:        rec.ChunkID,
			ConversationID: rec.ConversationID,
			Text:           rec.Text,
			Strategy:       rec.Strategy,
			Metadata:       rec.Metadata,
			Score:          scoreFromCosine(cosineSimilarity(vector, rec.Vector)),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats reports record count, dimension, distinct conversations, and the
// per-strategy breakdown.
func (m *MemoryIndex) Stats(ctx context.Context) (IndexStats, error) {
	if err := ctx.Err(); err != nil {
		return IndexStats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return IndexStats{}, ErrClosed
	}

	conversations := make(map[int64]struct{})
	byStrategy := make(map[string]int)
	for i := range m.records {
		conversations[m.records[i].ConversationID] = struct{}{}
		byStrategy[string(m.records[i].Strategy)]++
	}

	return IndexStats{
		Backend:       "memory",
		Count:         len(m.records),
		Dimension:     m.dimension,
		Conversations: len(conversations),
		ByStrategy:    byStrategy,
	}, nil
}

// Close flushes a snapshot when a persist path is bound, then marks the
// index closed. Further operations return ErrClosed.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	path := m.persistPath
	closed := m.closed
	m.closed = true
	m.mu.Unlock()

	if path != "" && !closed {
		return m.SaveFile(path)
	}
	return nil
}

// BindFile sets the snapshot path written on Close.
func (m *MemoryIndex) BindFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistPath = path
}

// Detach clears the snapshot path so Close no longer writes one. Used when an
// index is being replaced and must not clobber its successor's snapshot.
func (m *MemoryIndex) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistPath = ""
}

// indexFile is the JSON persistence envelope.
type indexFile struct {
	Dimension int      `json:"dimension"`
	Records   []Record `json:"records"`
}

// SaveFile writes the index contents to path as JSON. The write goes through
// a temp file and rename so a crash never leaves a truncated index behind.
func (m *MemoryIndex) SaveFile(path string) error {
	m.mu.RLock()
	data, err := json.Marshal(indexFile{Dimension: m.dimension, Records: m.records})
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("vectorindex: failed to marshal index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("vectorindex: failed to create index dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vectorindex: failed to write index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vectorindex: failed to replace index file: %w", err)
	}
	return nil
}

// LoadFile replaces the index contents with those read from path.
func (m *MemoryIndex) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vectorindex: failed to read index file: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("vectorindex: failed to parse index file: %w", err)
	}

	byID := make(map[string]int, len(file.Records))
	for i, rec := range file.Records {
		if rec.ChunkID == "" {
			return fmt.Errorf("%w: index file record %d has empty chunk ID", ErrInvalidInput, i)
		}
		byID[rec.ChunkID] = i
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = file.Records
	m.byID = byID
	m.dimension = file.Dimension
	if m.dimension == 0 && len(file.Records) > 0 {
		m.dimension = len(file.Records[0].Vector)
	}
	return nil
}
