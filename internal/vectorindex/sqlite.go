package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/scrypster/chatrecall/pkg/types"
)

// Ensure *SQLiteIndex implements Index at compile time.
var _ Index = (*SQLiteIndex)(nil)

// sqliteSchema creates the chunk table and the settings table that tracks the
// established vector dimension.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id  TEXT PRIMARY KEY,
    conversation_id INTEGER NOT NULL DEFAULT 0,
    text      TEXT NOT NULL,
    strategy  TEXT NOT NULL,
    metadata  TEXT NOT NULL,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_strategy ON chunks(strategy);
CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON chunks(conversation_id);

CREATE TABLE IF NOT EXISTS index_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// searchMaxCandidates caps the number of embeddings loaded into memory during
// a search. Rows are selected in insertion order so ranking ties stay stable.
// Personal message archives sit well below this; larger corpora should use
// the PostgreSQL backend.
const searchMaxCandidates = 100_000

// SQLiteIndex stores records in a local SQLite database. Vectors are packed
// as little-endian float32 BLOBs and ranked in Go, so the backend needs no
// SQLite extensions.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteIndex opens (or creates) an index database at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vectorindex: failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: failed to open %s: %w", path, err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: failed to create schema: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.loadDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) loadDimension() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM index_settings WHERE key = 'dimension'`).Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vectorindex: failed to read dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("vectorindex: corrupt dimension setting %q: %w", value, err)
	}
	s.dimension = dim
	return nil
}

// Add stores records in one transaction, overwriting on chunk ID conflict.
func (s *SQLiteIndex) Add(ctx context.Context, records []Record) error {
	dim, err := validateRecords(records, s.dimension)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertSQL = `
		INSERT INTO chunks (chunk_id, conversation_id, text, strategy, metadata, embedding, dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(chunk_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			text = excluded.text,
			strategy = excluded.strategy,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = CURRENT_TIMESTAMP
	`

	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("vectorindex: failed to marshal metadata for %s: %w", rec.ChunkID, err)
		}
		blob := serializeVector(rec.Vector)
		if _, err := tx.ExecContext(ctx, insertSQL, rec.ChunkID, rec.ConversationID, rec.Text, string(rec.Strategy), string(metadata), blob, len(rec.Vector)); err != nil {
			return fmt.Errorf("vectorindex: failed to store chunk %s: %w", rec.ChunkID, err)
		}
	}

	if s.dimension == 0 && dim > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_settings (key, value) VALUES ('dimension', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(dim)); err != nil {
			return fmt.Errorf("vectorindex: failed to record dimension: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: failed to commit: %w", err)
	}
	s.dimension = dim
	return nil
}

// Search loads candidate embeddings and ranks them by cosine similarity in Go.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidInput)
	}
	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, conversation_id, text, strategy, metadata, embedding, dimension
		FROM chunks
		ORDER BY rowid
		LIMIT ?`, searchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []SearchResult{}
	for rows.Next() {
		var (
			chunkID, text, strategy, metadataJSON string
			conversationID                        int64
			blob                                  []byte
			dim                                   int
		)
		if err := rows.Scan(&chunkID, &conversationID, &text, &strategy, &metadataJSON, &blob, &dim); err != nil {
			return nil, fmt.Errorf("vectorindex: failed to scan chunk: %w", err)
		}

		embedding, err := deserializeVector(blob, dim)
		if err != nil {
			// Corrupt row: skip rather than fail the whole search.
			continue
		}

		var metadata types.ChunkMetadata
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			continue
		}

		rec := Record{ChunkID: chunkID, Text: text, Strategy: types.Strategy(strategy), Metadata: metadata}
		if !filter.matches(&rec) {
			continue
		}

		results = append(results, SearchResult{
			ChunkID:        chunkID,
			ConversationID: conversationID,
			Text:           text,
			Strategy:       rec.Strategy,
			Metadata:       metadata,
			Score:          scoreFromCosine(cosineSimilarity(vector, embedding)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: error iterating chunks: %w", err)
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
func (s *SQLiteIndex) Stats(ctx context.Context) (IndexStats, error) {
	var count, conversations int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT conversation_id) FROM chunks`).Scan(&count, &conversations)
	if err != nil {
		return IndexStats{}, fmt.Errorf("vectorindex: failed to count chunks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT strategy, COUNT(*) FROM chunks GROUP BY strategy`)
	if err != nil {
		return IndexStats{}, fmt.Errorf("vectorindex: failed to count strategies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byStrategy := make(map[string]int)
	for rows.Next() {
		var strategy string
		var n int
		if err := rows.Scan(&strategy, &n); err != nil {
			return IndexStats{}, fmt.Errorf("vectorindex: failed to scan strategy count: %w", err)
		}
		byStrategy[strategy] = n
	}
	if err := rows.Err(); err != nil {
		return IndexStats{}, fmt.Errorf("vectorindex: error iterating strategy counts: %w", err)
	}

	return IndexStats{
		Backend:       "sqlite",
		Count:         count,
		Dimension:     s.dimension,
		Conversations: conversations,
		ByStrategy:    byStrategy,
	}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteIndex) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("vectorindex: WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return s.db.Close()
}

// ExportJSON writes every stored record to path as a JSON snapshot, suitable
// for offline backup or for seeding a MemoryIndex.
func (s *SQLiteIndex) ExportJSON(ctx context.Context, path string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, conversation_id, text, strategy, metadata, embedding, dimension
		FROM chunks
		ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("vectorindex: failed to load chunks for export: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			chunkID, text, strategy, metadataJSON string
			conversationID                        int64
			blob                                  []byte
			dim                                   int
		)
		if err := rows.Scan(&chunkID, &conversationID, &text, &strategy, &metadataJSON, &blob, &dim); err != nil {
			return fmt.Errorf("vectorindex: failed to scan chunk for export: %w", err)
		}
		embedding, err := deserializeVector(blob, dim)
		if err != nil {
			return fmt.Errorf("vectorindex: corrupt embedding for %s: %w", chunkID, err)
		}
		var metadata types.ChunkMetadata
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return fmt.Errorf("vectorindex: corrupt metadata for %s: %w", chunkID, err)
		}
		records = append(records, Record{
			ChunkID:        chunkID,
			ConversationID: conversationID,
			Vector:         embedding,
			Text:           text,
			Strategy:       types.Strategy(strategy),
			Metadata:       metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("vectorindex: error iterating chunks for export: %w", err)
	}

	data, err := json.Marshal(indexFile{Dimension: s.dimension, Records: records})
	if err != nil {
		return fmt.Errorf("vectorindex: failed to marshal export: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vectorindex: failed to write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vectorindex: failed to replace export: %w", err)
	}
	return nil
}

// ImportJSON loads records from a JSON snapshot written by ExportJSON (or by
// MemoryIndex.SaveFile) into this index, overwriting on chunk ID conflict.
func (s *SQLiteIndex) ImportJSON(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vectorindex: failed to read import file: %w", err)
	}
	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("vectorindex: failed to parse import file: %w", err)
	}
	return s.Add(ctx, file.Records)
}

// serializeVector packs a float32 slice as little-endian bytes.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector unpacks a little-endian float32 BLOB. dimension validates
// the buffer size.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	vector := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}
