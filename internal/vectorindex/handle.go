package vectorindex

import (
	"context"
	"sync"
)

// Ensure *Handle implements Index at compile time.
var _ Index = (*Handle)(nil)

// Handle is a swappable reference to the live index. Readers go through the
// handle; a rebuild constructs a fresh index off to the side and swaps it in
// atomically, so readers always see either the complete old index or the
// complete new one.
type Handle struct {
	mu  sync.RWMutex
	idx Index
}

// NewHandle wraps an index.
func NewHandle(idx Index) *Handle {
	return &Handle{idx: idx}
}

// Swap replaces the live index in two phases. prepare runs outside the lock
// and does the expensive construction, so readers keep querying the current
// index for its whole duration. install then runs under the write lock: it
// receives the retiring index, is responsible for closing it, and returns the
// replacement — keep it to closing the old index and opening the prepared
// one. When either phase fails, the current index stays in place.
func (h *Handle) Swap(prepare func() error, install func(old Index) (Index, error)) error {
	if err := prepare(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	idx, err := install(h.idx)
	if err != nil {
		return err
	}
	h.idx = idx
	return nil
}

// Add delegates to the live index.
func (h *Handle) Add(ctx context.Context, records []Record) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Add(ctx, records)
}

// Search delegates to the live index.
func (h *Handle) Search(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Search(ctx, vector, topK, filter)
}

// Stats delegates to the live index.
func (h *Handle) Stats(ctx context.Context) (IndexStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Stats(ctx)
}

// Close closes the live index.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idx.Close()
}
