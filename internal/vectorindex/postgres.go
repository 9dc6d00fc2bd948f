package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/chatrecall/pkg/types"
)

// Ensure *PostgresIndex implements Index at compile time.
var _ Index = (*PostgresIndex)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id  TEXT PRIMARY KEY,
    conversation_id BIGINT NOT NULL DEFAULT 0,
    text      TEXT NOT NULL,
    strategy  TEXT NOT NULL,
    metadata  JSONB NOT NULL,
    embedding BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    seq       BIGSERIAL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_strategy ON chunks(strategy);
CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON chunks(conversation_id);
CREATE INDEX IF NOT EXISTS idx_chunks_seq ON chunks(seq);

CREATE TABLE IF NOT EXISTS index_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// postgresPgvectorMigration adds the typed vector column used for indexed
// cosine-distance queries. Only applied when the extension is available.
const postgresPgvectorMigration = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'chunks' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE chunks ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_chunks_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM chunks LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_chunks_vec_cosine ON chunks USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`

// PostgresIndex stores records in PostgreSQL. Vectors always land in a BYTEA
// column; when the pgvector extension is present they are also written to a
// typed vector column so ranking happens in SQL. Without pgvector the backend
// falls back to ranking in Go, same as the SQLite backend.
type PostgresIndex struct {
	db                *sql.DB
	pgvectorAvailable bool
	dimension         int
}

// NewPostgresIndex connects to PostgreSQL and prepares the schema.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: failed to connect to postgres: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: failed to apply schema: %w", err)
	}

	idx := &PostgresIndex{db: db}

	// The extension may be missing on unmanaged servers. Log and continue
	// with the in-Go ranking path.
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("vectorindex: pgvector extension not available (falling back to in-process ranking): %v", err)
	} else if _, err := db.Exec(postgresPgvectorMigration); err != nil {
		log.Printf("vectorindex: failed to apply pgvector migration (falling back to in-process ranking): %v", err)
	} else {
		idx.pgvectorAvailable = true
	}

	if err := idx.loadDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PostgresIndex) loadDimension() error {
	var value string
	err := p.db.QueryRow(`SELECT value FROM index_settings WHERE key = 'dimension'`).Scan(&value)
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
	p.dimension = dim
	return nil
}

// Add stores records in one transaction, overwriting on chunk ID conflict.
func (p *PostgresIndex) Add(ctx context.Context, records []Record) error {
	dim, err := validateRecords(records, p.dimension)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertSQL = `
		INSERT INTO chunks (chunk_id, conversation_id, text, strategy, metadata, embedding, dimension, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(chunk_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			text = excluded.text,
			strategy = excluded.strategy,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = CURRENT_TIMESTAMP
	`

	const insertVecSQL = `
		INSERT INTO chunks (chunk_id, conversation_id, text, strategy, metadata, embedding, dimension, embedding_vec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(chunk_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			text = excluded.text,
			strategy = excluded.strategy,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			embedding_vec = excluded.embedding_vec,
			updated_at = CURRENT_TIMESTAMP
	`

	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("vectorindex: failed to marshal metadata for %s: %w", rec.ChunkID, err)
		}
		blob := serializeVector(rec.Vector)

		if p.pgvectorAvailable {
			vec := pgvector.NewVector(rec.Vector)
			_, err = tx.ExecContext(ctx, insertVecSQL, rec.ChunkID, rec.ConversationID, rec.Text, string(rec.Strategy), metadata, blob, len(rec.Vector), vec)
		} else {
			_, err = tx.ExecContext(ctx, insertSQL, rec.ChunkID, rec.ConversationID, rec.Text, string(rec.Strategy), metadata, blob, len(rec.Vector))
		}
		if err != nil {
			return fmt.Errorf("vectorindex: failed to store chunk %s: %w", rec.ChunkID, err)
		}
	}

	if p.dimension == 0 && dim > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_settings (key, value) VALUES ('dimension', $1)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(dim)); err != nil {
			return fmt.Errorf("vectorindex: failed to record dimension: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: failed to commit: %w", err)
	}
	p.dimension = dim
	return nil
}

// Search ranks stored records by similarity to the query vector. With
// pgvector the ranking runs in SQL; otherwise embeddings are loaded and
// ranked in Go.
func (p *PostgresIndex) Search(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidInput)
	}
	if p.dimension != 0 && len(vector) != p.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDimensionMismatch, len(vector), p.dimension)
	}

	if p.pgvectorAvailable {
		results, err := p.searchPgvector(ctx, vector, topK, filter)
		if err == nil {
			return results, nil
		}
		log.Printf("vectorindex: pgvector search failed (falling back to in-process ranking): %v", err)
	}
	return p.searchInProcess(ctx, vector, topK, filter)
}

// searchPgvector ranks in SQL using cosine distance. The <=> operator returns
// distance in [0, 2]; 1 - d/2 maps it onto the same [0, 1] score the other
// backends produce. Ties order by seq, matching insertion order.
func (p *PostgresIndex) searchPgvector(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	query := `
		SELECT chunk_id, conversation_id, text, strategy, metadata, 1 - (embedding_vec <=> $1) / 2 AS score
		FROM chunks
		WHERE embedding_vec IS NOT NULL
	`
	args := []any{pgvector.NewVector(vector)}

	if filter != nil && filter.ConversationStyle != "" {
		args = append(args, string(filter.ConversationStyle))
		query += fmt.Sprintf(" AND metadata->>'conversation_style' = $%d", len(args))
	}
	if filter != nil && filter.Strategy != "" {
		args = append(args, string(filter.Strategy))
		query += fmt.Sprintf(" AND strategy = $%d", len(args))
	}

	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding_vec <=> $1, seq LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: pgvector query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []SearchResult{}
	for rows.Next() {
		var (
			chunkID, text, strategy string
			conversationID          int64
			metadataJSON            []byte
			score                   float64
		)
		if err := rows.Scan(&chunkID, &conversationID, &text, &strategy, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("vectorindex: failed to scan result: %w", err)
		}
		var metadata types.ChunkMetadata
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:        chunkID,
			ConversationID: conversationID,
			Text:           text,
			Strategy:       types.Strategy(strategy),
			Metadata:       metadata,
			Score:          score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: error iterating results: %w", err)
	}
	return results, nil
}

// searchInProcess loads embeddings from the BYTEA column and ranks in Go.
func (p *PostgresIndex) searchInProcess(ctx context.Context, vector []float32, topK int, filter *SearchFilter) ([]SearchResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT chunk_id, conversation_id, text, strategy, metadata, embedding, dimension
		FROM chunks
		ORDER BY seq
		LIMIT $1`, searchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []SearchResult{}
	for rows.Next() {
		var (
			chunkID, text, strategy string
			conversationID          int64
			metadataJSON            []byte
			blob                    []byte
			dim                     int
		)
		if err := rows.Scan(&chunkID, &conversationID, &text, &strategy, &metadataJSON, &blob, &dim); err != nil {
			return nil, fmt.Errorf("vectorindex: failed to scan chunk: %w", err)
		}

		embedding, err := deserializeVector(blob, dim)
		if err != nil {
			continue
		}
		var metadata types.ChunkMetadata
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
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
func (p *PostgresIndex) Stats(ctx context.Context) (IndexStats, error) {
	var count, conversations int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT conversation_id) FROM chunks`).Scan(&count, &conversations)
	if err != nil {
		return IndexStats{}, fmt.Errorf("vectorindex: failed to count chunks: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT strategy, COUNT(*) FROM chunks GROUP BY strategy`)
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
		Backend:       "postgres",
		Count:         count,
		Dimension:     p.dimension,
		Conversations: conversations,
		ByStrategy:    byStrategy,
	}, nil
}

// Close closes the connection pool.
func (p *PostgresIndex) Close() error {
	return p.db.Close()
}
