// Package indexer runs the full indexing pipeline: read conversations from
// the source database, chunk them, embed the chunks, and install the result
// as the live vector index.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/scrypster/chatrecall/internal/chatdb"
	"github.com/scrypster/chatrecall/internal/chunker"
	"github.com/scrypster/chatrecall/internal/embedding"
	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

var (
	// ErrNoMessages indicates the source database was readable but held no
	// indexable messages. Distinct from chatdb.ErrSourceUnavailable.
	ErrNoMessages = errors.New("indexer: no messages to index")

	// ErrAlreadyRunning indicates an indexing run is in progress.
	ErrAlreadyRunning = errors.New("indexer: indexing already in progress")
)

// embedBatchSize bounds how many chunks go into one embedding backend call.
const embedBatchSize = 32

// metadataFileName is the run-metadata snapshot written after each
// successful run.
const metadataFileName = "latest_index_metadata.json"

// Options selects what to index. The zero value indexes everything.
type Options struct {
	// Days restricts indexing to messages from the last N days. Zero means
	// the full history.
	Days int

	// MessageLimit caps messages per conversation (full runs) or in total
	// (windowed runs). Zero means no cap.
	MessageLimit int
}

// Progress is one pipeline status update.
type Progress struct {
	Stage   string `json:"stage"` // loading, chunking, embedding, indexing, done
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Detail  string `json:"detail,omitempty"`
}

// ProgressFunc receives pipeline updates. Called synchronously; keep it fast.
type ProgressFunc func(Progress)

// Result summarizes a completed run.
type Result struct {
	Conversations int           `json:"conversations"`
	Messages      int           `json:"messages"`
	Chunks        int           `json:"chunks"`
	Strategy      string        `json:"strategy"`
	Model         string        `json:"model"`
	Dimension     int           `json:"dimension"`
	Elapsed       time.Duration `json:"elapsed"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// RunMetadata is the persisted form of a run's Result, written to
// latest_index_metadata.json after every successful run.
type RunMetadata struct {
	IndexedAt      time.Time `json:"indexed_at"`
	Strategy       string    `json:"strategy"`
	Backend        string    `json:"backend"`
	Model          string    `json:"model"`
	Dimension      int       `json:"dimension"`
	Conversations  int       `json:"conversations"`
	Messages       int       `json:"messages"`
	Chunks         int       `json:"chunks"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// Pipeline wires the source, chunker, embedder, and index handle together.
type Pipeline struct {
	source   *chatdb.Source
	chunker  *chunker.Chunker
	embedder *embedding.Generator
	handle   *vectorindex.Handle

	strategy types.Strategy
	backend  string
	dataPath string

	running  atomic.Bool
	progress ProgressFunc
}

// New creates a pipeline. strategy is the configured chunking strategy tag;
// backend and dataPath describe the index handle's backing store so rebuilds
// can construct a replacement index off to the side.
func New(source *chatdb.Source, ch *chunker.Chunker, embedder *embedding.Generator, handle *vectorindex.Handle, strategy types.Strategy, backend, dataPath string) *Pipeline {
	return &Pipeline{
		source:   source,
		chunker:  ch,
		embedder: embedder,
		handle:   handle,
		strategy: strategy,
		backend:  backend,
		dataPath: dataPath,
	}
}

// SetProgress installs a progress callback. Must be called before Run.
func (p *Pipeline) SetProgress(fn ProgressFunc) { p.progress = fn }

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool { return p.running.Load() }

// TryStart reserves the single run slot without starting a run, so a caller
// can report a conflict before handing off to a background goroutine. Returns
// false when a run is already active. A successful reservation must be
// followed by RunReserved, which releases the slot when it finishes.
func (p *Pipeline) TryStart() bool { return p.running.CompareAndSwap(false, true) }

func (p *Pipeline) report(progress Progress) {
	if p.progress != nil {
		p.progress(progress)
	}
}

// Run executes the full pipeline. Only one run may be active at a time;
// concurrent calls return ErrAlreadyRunning. Readers of the index handle keep
// the previous index until the new one is complete.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if !p.TryStart() {
		return nil, ErrAlreadyRunning
	}
	return p.run(ctx, opts)
}

// RunReserved executes a run whose slot was already claimed with TryStart.
func (p *Pipeline) RunReserved(ctx context.Context, opts Options) (*Result, error) {
	return p.run(ctx, opts)
}

func (p *Pipeline) run(ctx context.Context, opts Options) (*Result, error) {
	defer p.running.Store(false)

	start := time.Now()

	stats, err := p.source.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	if stats.TotalMessages == 0 {
		return nil, ErrNoMessages
	}

	conversations, err := p.source.Conversations(ctx)
	if err != nil {
		return nil, err
	}

	byConversation, totalMessages, err := p.loadMessages(ctx, conversations, opts)
	if err != nil {
		return nil, err
	}
	if totalMessages == 0 {
		return nil, ErrNoMessages
	}

	log.Printf("[indexer] loaded %d messages across %d conversations", totalMessages, len(byConversation))

	chunks, indexedConversations, err := p.chunkAll(conversations, byConversation)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoMessages
	}

	log.Printf("[indexer] built %d chunks with strategy %s", len(chunks), p.strategy)

	records, err := p.embedAll(ctx, chunks)
	if err != nil {
		return nil, err
	}

	p.report(Progress{Stage: "indexing", Current: 0, Total: len(records)})
	if err := p.installIndex(ctx, records); err != nil {
		return nil, err
	}
	p.report(Progress{Stage: "done", Current: len(records), Total: len(records)})

	result := &Result{
		Conversations: indexedConversations,
		Messages:      totalMessages,
		Chunks:        len(chunks),
		Strategy:      string(p.strategy),
		Model:         p.embedder.Model(),
		Dimension:     p.embedder.Dimension(),
		Elapsed:       time.Since(start),
		CompletedAt:   time.Now(),
	}

	if err := p.writeMetadata(result); err != nil {
		// The index itself is complete; losing the metadata snapshot only
		// degrades status reporting.
		log.Printf("[indexer] failed to write run metadata: %v", err)
	}

	log.Printf("[indexer] indexed %d chunks from %d conversations in %s",
		result.Chunks, result.Conversations, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// loadMessages gathers messages grouped by conversation ID. Full runs query
// per conversation; windowed runs use the recent-messages query and regroup.
func (p *Pipeline) loadMessages(ctx context.Context, conversations []types.Conversation, opts Options) (map[int64][]types.Message, int, error) {
	byConversation := make(map[int64][]types.Message)
	total := 0

	if opts.Days > 0 {
		messages, err := p.source.RecentMessages(ctx, opts.Days, opts.MessageLimit)
		if err != nil {
			return nil, 0, err
		}
		for _, msg := range messages {
			byConversation[msg.ConversationID] = append(byConversation[msg.ConversationID], msg)
		}
		// RecentMessages returns newest first; chunking needs ascending time.
		for id := range byConversation {
			msgs := byConversation[id]
			sort.Slice(msgs, func(i, j int) bool { return msgs[i].Date.Before(msgs[j].Date) })
		}
		total = len(messages)
		return byConversation, total, nil
	}

	for i, conv := range conversations {
		p.report(Progress{Stage: "loading", Current: i + 1, Total: len(conversations), Detail: conv.Label()})
		messages, err := p.source.Messages(ctx, conv.ID, opts.MessageLimit)
		if err != nil {
			return nil, 0, err
		}
		if len(messages) == 0 {
			continue
		}
		byConversation[conv.ID] = messages
		total += len(messages)
	}
	return byConversation, total, nil
}

// chunkAll runs the configured strategy over every conversation's messages.
func (p *Pipeline) chunkAll(conversations []types.Conversation, byConversation map[int64][]types.Message) ([]types.Chunk, int, error) {
	var chunks []types.Chunk
	indexed := 0

	for i, conv := range conversations {
		messages, ok := byConversation[conv.ID]
		if !ok {
			continue
		}
		p.report(Progress{Stage: "chunking", Current: i + 1, Total: len(conversations), Detail: conv.Label()})

		convChunks, err := p.chunker.Chunk(messages, conv, p.strategy)
		if err != nil {
			return nil, 0, err
		}
		if len(convChunks) == 0 {
			continue
		}
		chunks = append(chunks, convChunks...)
		indexed++
	}
	return chunks, indexed, nil
}

// embedAll embeds chunks in bounded batches, reporting progress per batch.
func (p *Pipeline) embedAll(ctx context.Context, chunks []types.Chunk) ([]vectorindex.Record, error) {
	records := make([]vectorindex.Record, 0, len(chunks))

	for offset := 0; offset < len(chunks); offset += embedBatchSize {
		end := offset + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[offset:end]

		embedded, err := p.embedder.EmbedChunks(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("indexer: embedding failed at chunk %d: %w", offset, err)
		}

		for i, rec := range embedded {
			records = append(records, vectorindex.Record{
				ChunkID:        rec.ChunkID,
				ConversationID: batch[i].ConversationID,
				Vector:         rec.Vector,
				Text:           batch[i].Text,
				Strategy:       batch[i].Strategy,
				Metadata:       batch[i].Metadata,
			})
		}
		p.report(Progress{Stage: "embedding", Current: end, Total: len(chunks)})
	}
	return records, nil
}

// installIndex makes the records the live index. The memory and sqlite
// backends build a complete replacement off to the side — the previous index
// keeps serving reads through the handle for the whole build, and the write
// lock is held only to close the old index and install the prepared one; the
// postgres backend upserts in one transaction, which is equally
// all-or-nothing.
func (p *Pipeline) installIndex(ctx context.Context, records []vectorindex.Record) error {
	switch p.backend {
	case "memory":
		var fresh *vectorindex.MemoryIndex
		return p.handle.Swap(func() error {
			fresh = vectorindex.NewMemoryIndex()
			if err := fresh.Add(ctx, records); err != nil {
				return err
			}
			path := filepath.Join(p.dataPath, "index.json")
			if err := fresh.SaveFile(path); err != nil {
				return err
			}
			fresh.BindFile(path)
			return nil
		}, func(old vectorindex.Index) (vectorindex.Index, error) {
			if oldMem, ok := old.(*vectorindex.MemoryIndex); ok {
				// Keep the retired index's Close from clobbering the
				// snapshot the replacement just wrote.
				oldMem.Detach()
			}
			_ = old.Close()
			return fresh, nil
		})

	case "sqlite", "":
		buildPath := filepath.Join(p.dataPath, "index.build.db")
		livePath := filepath.Join(p.dataPath, "index.db")

		return p.handle.Swap(func() error {
			_ = os.Remove(buildPath)

			build, err := vectorindex.NewSQLiteIndex(buildPath)
			if err != nil {
				return err
			}
			if err := build.Add(ctx, records); err != nil {
				_ = build.Close()
				return err
			}
			return build.Close()
		}, func(old vectorindex.Index) (vectorindex.Index, error) {
			if err := old.Close(); err != nil {
				return nil, fmt.Errorf("indexer: failed to close previous index: %w", err)
			}

			if err := os.Rename(buildPath, livePath); err != nil {
				return nil, fmt.Errorf("indexer: failed to install new index: %w", err)
			}
			// Stale WAL sidecars from the build belong to the renamed file.
			_ = os.Remove(buildPath + "-wal")
			_ = os.Remove(buildPath + "-shm")

			return vectorindex.NewSQLiteIndex(livePath)
		})

	case "postgres":
		// One transactional upsert; readers never observe a partial index.
		return p.handle.Add(ctx, records)

	default:
		return fmt.Errorf("indexer: unsupported index backend %q", p.backend)
	}
}

// writeMetadata persists the run summary next to the index data.
func (p *Pipeline) writeMetadata(result *Result) error {
	meta := RunMetadata{
		IndexedAt:      result.CompletedAt,
		Strategy:       result.Strategy,
		Backend:        p.backend,
		Model:          result.Model,
		Dimension:      result.Dimension,
		Conversations:  result.Conversations,
		Messages:       result.Messages,
		Chunks:         result.Chunks,
		ElapsedSeconds: result.Elapsed.Seconds(),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(p.dataPath, 0o700); err != nil {
		return err
	}
	path := filepath.Join(p.dataPath, metadataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRunMetadata reads the last run's metadata snapshot. Returns
// os.ErrNotExist (wrapped) when no run has completed yet.
func LoadRunMetadata(dataPath string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dataPath, metadataFileName))
	if err != nil {
		return nil, fmt.Errorf("indexer: failed to read run metadata: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("indexer: corrupt run metadata: %w", err)
	}
	return &meta, nil
}
