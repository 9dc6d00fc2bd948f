package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scrypster/chatrecall/internal/chatdb"
	"github.com/scrypster/chatrecall/internal/chunker"
	"github.com/scrypster/chatrecall/internal/config"
	"github.com/scrypster/chatrecall/internal/embedding"
	"github.com/scrypster/chatrecall/internal/indexer"
	"github.com/scrypster/chatrecall/internal/llm"
	"github.com/scrypster/chatrecall/internal/rag"
	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

// stubGenerator answers every question with a fixed string.
type stubGenerator struct {
	answer string
	fail   error
}

func (s *stubGenerator) Generate(ctx context.Context, turns []types.ChatTurn, systemPrompt string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	return s.answer, nil
}
func (s *stubGenerator) IsAvailable(ctx context.Context) bool { return s.fail == nil }
func (s *stubGenerator) Model() string                        { return "stub-model" }

// stubEmbedder returns a constant vector for every text.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}
func (stubEmbedder) Kind() string                         { return "stub" }
func (stubEmbedder) Model() string                        { return "stub-embed" }
func (stubEmbedder) IsAvailable(ctx context.Context) bool { return true }

const handlerFixtureSchema = `
CREATE TABLE chat (ROWID INTEGER PRIMARY KEY, guid TEXT, style INTEGER, room_name TEXT, display_name TEXT);
CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT);
CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER);
CREATE TABLE message (ROWID INTEGER PRIMARY KEY, text TEXT, date INTEGER, is_from_me INTEGER, guid TEXT, service TEXT, handle_id INTEGER);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER);
`

func newHandlerFixtureSource(t *testing.T) *chatdb.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(handlerFixtureSchema)
	require.NoError(t, err)

	appleEpoch := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	base := time.Now().Add(-time.Hour)
	_, err = db.Exec(`INSERT INTO chat VALUES (1, 'chat-1', 45, NULL, NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO handle VALUES (1, '+15551234567')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO chat_handle_join VALUES (1, 1)`)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		date := int64(base.Add(time.Duration(i) * time.Minute).Sub(appleEpoch))
		_, err = db.Exec(
			`INSERT INTO message (text, date, is_from_me, guid, service, handle_id) VALUES (?, ?, ?, ?, 'iMessage', 1)`,
			"fixture message", date, i%2, "guid-"+string(rune('a'+i)),
		)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO chat_message_join VALUES (1, ?)`, i+1)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	source, err := chatdb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	return source
}

// newTestHandlers wires a full in-memory stack with a stub generator.
func newTestHandlers(t *testing.T, gen *stubGenerator) *Handlers {
	t.Helper()
	dataPath := t.TempDir()

	source := newHandlerFixtureSource(t)
	idx := vectorindex.NewMemoryIndex()
	require.NoError(t, idx.Add(context.Background(), []vectorindex.Record{{
		ChunkID:        "chat_1_conversation_window_1_6",
		ConversationID: 1,
		Vector:         []float32{1, 0},
		Text:           "lunch tomorrow at 12:30",
		Strategy:       types.StrategyTimeWindow,
		Metadata:       types.ChunkMetadata{MessageCount: 6, ConversationStyle: types.StyleDirect},
	}}))
	handle := vectorindex.NewHandle(idx)

	var textGen llm.TextGenerator
	if gen != nil {
		textGen = gen
	}
	embedder := embedding.NewGenerator(stubEmbedder{}, embedding.NewCache(filepath.Join(dataPath, "embeddings")))
	engine := rag.NewEngine(textGen, embedder, handle, config.QueryConfig{TopK: 5, MaxContextLength: 4000, MaxHistoryTurns: 20})
	pipeline := indexer.New(source, chunker.New(30, 50, 3), embedder, handle, types.StrategyTimeWindow, "memory", dataPath)

	return NewHandlers(engine, pipeline, source, handle, nil, dataPath, nil)
}

func TestChat_Success(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "you have lunch at 12:30"})

	body, _ := json.Marshal(map[string]string{"question": "when are we having lunch"})
	req := httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Chat(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "you have lunch at 12:30", resp.Answer)
	assert.Equal(t, "stub-model", resp.Model)
	assert.NotEmpty(t, resp.SessionID)
	require.Len(t, resp.Sources, 1)
	assert.Greater(t, resp.Sources[0].Score, 0.0)
}

func TestChat_SessionContinuity(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	ask := func(sessionID string) chatResponse {
		payload := map[string]string{"question": "hello"}
		if sessionID != "" {
			payload["session_id"] = sessionID
		}
		body, _ := json.Marshal(payload)
		w := httptest.NewRecorder()
		h.Chat(w, httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, w.Code)
		var resp chatResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	first := ask("")
	second := ask(first.SessionID)
	assert.Equal(t, first.SessionID, second.SessionID)

	// History for the session shows both exchanges.
	req := httptest.NewRequest("GET", "/api/chat/history?session_id="+first.SessionID, nil)
	w := httptest.NewRecorder()
	h.ChatHistory(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var hist struct {
		TurnCount int `json:"turn_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 4, hist.TurnCount)
}

func TestChat_MissingQuestion(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest("POST", "/api/chat", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_GeneratorUnavailable(t *testing.T) {
	h := newTestHandlers(t, nil) // retrieval-only engine

	body, _ := json.Marshal(map[string]string{"question": "anything"})
	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generation backend unavailable", resp.Error)
}

func TestChatHistory_UnknownSession(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.ChatHistory(w, httptest.NewRequest("GET", "/api/chat/history?session_id=nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ChatHistory(w, httptest.NewRequest("GET", "/api/chat/history", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatHistory_Delete(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	body, _ := json.Marshal(map[string]string{"question": "hello"})
	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest("POST", "/api/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = httptest.NewRecorder()
	h.ChatHistory(w, httptest.NewRequest("DELETE", "/api/chat/history?session_id="+resp.SessionID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ChatHistory(w, httptest.NewRequest("GET", "/api/chat/history?session_id="+resp.SessionID, nil))
	var hist struct {
		TurnCount int `json:"turn_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 0, hist.TurnCount)
}

func TestSearch(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Search(w, httptest.NewRequest("GET", "/api/search?q=lunch", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Query   string                     `json:"query"`
		Results []vectorindex.SearchResult `json:"results"`
		Count   int                        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "lunch", resp.Query)
	assert.Equal(t, 1, resp.Count)

	// Filter that matches nothing.
	w = httptest.NewRecorder()
	h.Search(w, httptest.NewRequest("GET", "/api/search?q=lunch&style=group", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	// Missing query.
	w = httptest.NewRecorder()
	h.Search(w, httptest.NewRequest("GET", "/api/search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIndex_StartsRun(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Index(w, httptest.NewRequest("POST", "/api/index", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "started", resp["status"])

	// Wait for the background run to finish so the temp dirs can be cleaned.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := indexer.LoadRunMetadata(h.dataPath); err == nil && !h.pipeline.Running() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	meta, err := indexer.LoadRunMetadata(h.dataPath)
	require.NoError(t, err)
	assert.Equal(t, "memory", meta.Backend)
}

func TestIndex_ConflictWhileRunning(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	release := make(chan struct{})
	started := make(chan struct{})
	h.pipeline.SetProgress(func(p indexer.Progress) {
		select {
		case <-started:
		default:
			close(started)
			<-release
		}
	})

	w := httptest.NewRecorder()
	h.Index(w, httptest.NewRequest("POST", "/api/index", bytes.NewReader(nil)))
	require.Equal(t, http.StatusAccepted, w.Code)
	<-started

	w = httptest.NewRecorder()
	h.Index(w, httptest.NewRequest("POST", "/api/index", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	deadline := time.Now().Add(10 * time.Second)
	for h.pipeline.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

// TestIndex_ConcurrentRequestsSingleRun verifies simultaneous index requests
// race for one run slot: exactly one is accepted, the rest conflict.
func TestIndex_ConcurrentRequestsSingleRun(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	release := make(chan struct{})
	started := make(chan struct{})
	h.pipeline.SetProgress(func(p indexer.Progress) {
		select {
		case <-started:
		default:
			close(started)
			<-release
		}
	})

	const requests = 8
	var accepted, conflicted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.Index(w, httptest.NewRequest("POST", "/api/index", bytes.NewReader(nil)))
			switch w.Code {
			case http.StatusAccepted:
				accepted.Add(1)
			case http.StatusConflict:
				conflicted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load(), "exactly one request should start a run")
	assert.Equal(t, int32(requests-1), conflicted.Load())

	close(release)
	deadline := time.Now().Add(10 * time.Second)
	for h.pipeline.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStatus(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Status(w, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, false, status["indexing"])
	assert.Equal(t, "ok", status["source"])
	assert.Equal(t, "stub-model", status["llm_model"])
}

func TestStats(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest("GET", "/api/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Source types.SourceStats      `json:"source"`
		Index  vectorindex.IndexStats `json:"index"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Source.TotalMessages)
	assert.Equal(t, 1, resp.Index.Count)
	assert.Equal(t, 1, resp.Index.Conversations)
	assert.Equal(t, 1, resp.Index.ByStrategy[string(types.StrategyTimeWindow)])
}

func TestHealth(t *testing.T) {
	h := newTestHandlers(t, &stubGenerator{answer: "ok"})

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestParseInt(t *testing.T) {
	assert.Equal(t, 7, parseInt("7", 5))
	assert.Equal(t, 5, parseInt("", 5))
	assert.Equal(t, 5, parseInt("junk", 5))
}
