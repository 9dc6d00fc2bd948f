package vectorindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/scrypster/chatrecall/pkg/types"
)

func newTestSQLiteIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("NewSQLiteIndex() failed: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// TestSQLiteIndex_AddAndSearch verifies round-trip storage and ranking.
func TestSQLiteIndex_AddAndSearch(t *testing.T) {
	idx := newTestSQLiteIndex(t)
	ctx := context.Background()

	mustAdd(t, idx,
		record("far", []float32{0, 1, 0}),
		record("near", []float32{1, 0.1, 0}),
	)

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkID != "near" {
		t.Errorf("top result = %q, want 'near'", results[0].ChunkID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}
	if results[0].Metadata.MessageCount != 3 {
		t.Errorf("metadata did not survive round trip: %+v", results[0].Metadata)
	}
}

// TestSQLiteIndex_OverwriteOnConflict verifies re-adding a chunk ID updates
// in place.
func TestSQLiteIndex_OverwriteOnConflict(t *testing.T) {
	idx := newTestSQLiteIndex(t)
	ctx := context.Background()

	mustAdd(t, idx, record("chunk", []float32{1, 0}))
	updated := record("chunk", []float32{0, 1})
	updated.Text = "updated text"
	mustAdd(t, idx, updated)

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Count after overwrite = %d, want 1", stats.Count)
	}

	results, err := idx.Search(ctx, []float32{0, 1}, 1, nil)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if results[0].Text != "updated text" {
		t.Errorf("text after overwrite = %q, want updated", results[0].Text)
	}
}

// TestSQLiteIndex_DimensionPersistsAcrossReopen verifies the established
// dimension survives a close and reopen.
func TestSQLiteIndex_DimensionPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	idx, err := NewSQLiteIndex(path)
	if err != nil {
		t.Fatalf("NewSQLiteIndex() failed: %v", err)
	}
	mustAdd(t, idx, record("a", []float32{1, 2, 3}))
	if err := idx.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewSQLiteIndex(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	stats, err := reopened.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Dimension != 3 {
		t.Errorf("Dimension after reopen = %d, want 3", stats.Dimension)
	}

	err = reopened.Add(ctx, []Record{record("b", []float32{1, 2})})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add() with wrong dimension after reopen: expected ErrDimensionMismatch, got %v", err)
	}
}

// TestSQLiteIndex_StatsBreakdown verifies conversation and per-strategy
// counts survive storage and come back through Stats.
func TestSQLiteIndex_StatsBreakdown(t *testing.T) {
	idx := newTestSQLiteIndex(t)
	ctx := context.Background()

	a := record("a", []float32{1, 0})
	a.ConversationID = 10
	b := record("b", []float32{0, 1})
	b.ConversationID = 10
	b.Strategy = types.StrategyDaily
	c := record("c", []float32{1, 1})
	c.ConversationID = 20
	mustAdd(t, idx, a, b, c)

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Count != 3 {
		t.Errorf("Count = %d, want 3", stats.Count)
	}
	if stats.Conversations != 2 {
		t.Errorf("Conversations = %d, want 2", stats.Conversations)
	}
	if got := stats.ByStrategy[string(types.StrategyTimeWindow)]; got != 2 {
		t.Errorf("ByStrategy[conversation_window] = %d, want 2", got)
	}
	if got := stats.ByStrategy[string(types.StrategyDaily)]; got != 1 {
		t.Errorf("ByStrategy[daily_group] = %d, want 1", got)
	}

	// The conversation id also rides along on search results.
	results, err := idx.Search(ctx, []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if results[0].ConversationID != 10 {
		t.Errorf("ConversationID = %d, want 10", results[0].ConversationID)
	}
}

// TestSQLiteIndex_SearchEmpty verifies empty-index behavior matches the
// contract shared with the other backends.
func TestSQLiteIndex_SearchEmpty(t *testing.T) {
	idx := newTestSQLiteIndex(t)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Search() on empty index failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

// TestSQLiteIndex_Filter verifies strategy filtering against stored rows.
func TestSQLiteIndex_Filter(t *testing.T) {
	idx := newTestSQLiteIndex(t)
	ctx := context.Background()

	daily := record("daily", []float32{1, 0})
	daily.Strategy = types.StrategyDaily
	mustAdd(t, idx, record("window", []float32{1, 0}), daily)

	results, err := idx.Search(ctx, []float32{1, 0}, 10, &SearchFilter{Strategy: types.StrategyDaily})
	if err != nil {
		t.Fatalf("Search() with filter failed: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "daily" {
		t.Errorf("filter returned %v, want only 'daily'", results)
	}
}

// TestSQLiteIndex_ExportImport verifies the JSON snapshot can rebuild an
// index, including into the memory backend.
func TestSQLiteIndex_ExportImport(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src, err := NewSQLiteIndex(filepath.Join(dir, "src.db"))
	if err != nil {
		t.Fatalf("NewSQLiteIndex() failed: %v", err)
	}
	defer src.Close()
	mustAdd(t, src, record("a", []float32{1, 0}), record("b", []float32{0, 1}))

	snapshot := filepath.Join(dir, "snapshot.json")
	if err := src.ExportJSON(ctx, snapshot); err != nil {
		t.Fatalf("ExportJSON() failed: %v", err)
	}

	dst, err := NewSQLiteIndex(filepath.Join(dir, "dst.db"))
	if err != nil {
		t.Fatalf("NewSQLiteIndex() failed: %v", err)
	}
	defer dst.Close()
	if err := dst.ImportJSON(ctx, snapshot); err != nil {
		t.Fatalf("ImportJSON() failed: %v", err)
	}
	stats, _ := dst.Stats(ctx)
	if stats.Count != 2 {
		t.Errorf("imported count = %d, want 2", stats.Count)
	}

	// The same snapshot format loads into the memory backend.
	mem := NewMemoryIndex()
	if err := mem.LoadFile(snapshot); err != nil {
		t.Fatalf("LoadFile() of sqlite export failed: %v", err)
	}
	memStats, _ := mem.Stats(ctx)
	if memStats.Count != 2 {
		t.Errorf("memory-loaded count = %d, want 2", memStats.Count)
	}
}

// TestVectorSerialization verifies the little-endian float32 packing.
func TestVectorSerialization(t *testing.T) {
	original := []float32{0.5, -1.25, 3.75, 0}

	blob := serializeVector(original)
	if len(blob) != len(original)*4 {
		t.Fatalf("blob length = %d, want %d", len(blob), len(original)*4)
	}

	decoded, err := deserializeVector(blob, len(original))
	if err != nil {
		t.Fatalf("deserializeVector() failed: %v", err)
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("element %d = %v, want %v", i, decoded[i], original[i])
		}
	}

	if _, err := deserializeVector(blob, 3); err == nil {
		t.Error("expected error for buffer size mismatch, got nil")
	}
	if _, err := deserializeVector(blob, 0); err == nil {
		t.Error("expected error for zero dimension, got nil")
	}
}
