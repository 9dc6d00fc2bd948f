// Package embedding maps chunk text to fixed-dimension vectors through a
// pluggable backend, with content-addressed caching so re-indexing unchanged
// conversations never re-embeds them.
package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/chatrecall/pkg/types"
)

// Outcome classifies the result of a cache lookup or store. Callers can
// observe cache-layer faults but are never blocked by them.
type Outcome int

const (
	// CacheHit means a verified entry was found.
	CacheHit Outcome = iota

	// CacheMiss means no entry exists (or a corrupt entry was bypassed).
	CacheMiss

	// CacheUnavailable means the cache layer itself failed (I/O error,
	// unwritable directory). Never fatal for the embedding operation.
	CacheUnavailable
)

func (o Outcome) String() string {
	switch o {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	case CacheUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// hotCacheSize bounds the in-process LRU sitting in front of the disk cache.
const hotCacheSize = 1024

// Cache is a best-effort embedding cache: one JSON file per distinct
// (backend kind, model, text hash) triple, fronted by an in-process LRU.
type Cache struct {
	dir string
	hot *lru.Cache[string, types.EmbeddingRecord]
}

// NewCache creates a cache rooted at dir, creating the directory if needed.
// A directory that cannot be created yields a cache that reports
// CacheUnavailable for every operation rather than an error.
func NewCache(dir string) *Cache {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &Cache{}
	}

	hot, err := lru.New[string, types.EmbeddingRecord](hotCacheSize)
	if err != nil {
		// Only fails for non-positive sizes.
		panic(err)
	}

	return &Cache{dir: dir, hot: hot}
}

// TextHash returns the content hash used as the cache key component for a
// text. A cached vector is only ever returned when its stored hash matches a
// freshly computed hash, so identifier reuse can never surface a stale vector.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// key builds the cache key for a (backend kind, model, text hash) triple.
func key(kind, model, textHash string) string {
	return fmt.Sprintf("%s_%s_%s", kind, model, textHash)
}

// Get looks up a cached embedding. The stored hash is re-verified against the
// requested hash; a mismatch means the entry is corrupt and is treated as a
// miss.
func (c *Cache) Get(kind, model, textHash string) (types.EmbeddingRecord, Outcome) {
	if c.dir == "" {
		return types.EmbeddingRecord{}, CacheUnavailable
	}

	k := key(kind, model, textHash)
	if rec, ok := c.hot.Get(k); ok {
		if rec.TextHash == textHash {
			return rec, CacheHit
		}
		c.hot.Remove(k)
	}

	data, err := os.ReadFile(filepath.Join(c.dir, k+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return types.EmbeddingRecord{}, CacheMiss
		}
		return types.EmbeddingRecord{}, CacheUnavailable
	}

	var rec types.EmbeddingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt entry: bypass and recompute.
		return types.EmbeddingRecord{}, CacheMiss
	}

	if rec.TextHash != textHash || len(rec.Vector) == 0 {
		return types.EmbeddingRecord{}, CacheMiss
	}

	c.hot.Add(k, rec)
	return rec, CacheHit
}

// Put stores an embedding record. Failures only skip caching for that item.
func (c *Cache) Put(kind, model string, rec types.EmbeddingRecord) Outcome {
	if c.dir == "" {
		return CacheUnavailable
	}

	k := key(kind, model, rec.TextHash)
	c.hot.Add(k, rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return CacheUnavailable
	}
	if err := os.WriteFile(filepath.Join(c.dir, k+".json"), data, 0o600); err != nil {
		return CacheUnavailable
	}
	return CacheHit
}

// CacheStats summarizes the on-disk cache contents for one backend+model.
type CacheStats struct {
	Dir        string `json:"dir"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
}

// Stats reports entry count and size for the given backend kind and model.
func (c *Cache) Stats(kind, model string) CacheStats {
	stats := CacheStats{Dir: c.dir}
	if c.dir == "" {
		return stats
	}

	prefix := fmt.Sprintf("%s_%s_", kind, model)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return stats
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if len(entry.Name()) < len(prefix) || entry.Name()[:len(prefix)] != prefix {
			continue
		}
		stats.Entries++
		if info, err := entry.Info(); err == nil {
			stats.TotalBytes += info.Size()
		}
	}

	return stats
}

// Clear removes all cached entries for the given backend kind and model.
func (c *Cache) Clear(kind, model string) error {
	if c.dir == "" {
		return nil
	}

	prefix := fmt.Sprintf("%s_%s_", kind, model)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("embedding: failed to read cache dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if len(entry.Name()) >= len(prefix) && entry.Name()[:len(prefix)] == prefix {
			_ = os.Remove(filepath.Join(c.dir, entry.Name()))
		}
	}

	c.hot.Purge()
	return nil
}
