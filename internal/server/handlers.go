package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/scrypster/chatrecall/internal/chatdb"
	"github.com/scrypster/chatrecall/internal/indexer"
	"github.com/scrypster/chatrecall/internal/notify"
	"github.com/scrypster/chatrecall/internal/rag"
	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handlers holds the API endpoint implementations and the session registry.
type Handlers struct {
	engine   *rag.Engine
	pipeline *indexer.Pipeline
	source   *chatdb.Source
	index    vectorindex.Index
	watcher  *notify.SourceWatcher
	dataPath string
	hub      *WebSocketHub

	mu       sync.Mutex
	sessions map[string]*rag.Session
}

// NewHandlers wires the API handlers. watcher may be nil when source watching
// is disabled.
func NewHandlers(engine *rag.Engine, pipeline *indexer.Pipeline, source *chatdb.Source, index vectorindex.Index, watcher *notify.SourceWatcher, dataPath string, hub *WebSocketHub) *Handlers {
	return &Handlers{
		engine:   engine,
		pipeline: pipeline,
		source:   source,
		index:    index,
		watcher:  watcher,
		dataPath: dataPath,
		hub:      hub,
		sessions: make(map[string]*rag.Session),
	}
}

// session returns the registered session for id, creating a fresh one when id
// is empty or unknown.
func (h *Handlers) session(id string) *rag.Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id != "" {
		if s, ok := h.sessions[id]; ok {
			return s
		}
	}
	s := h.engine.NewSession()
	h.sessions[s.ID()] = s
	return s
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`

	// Optional retrieval filters.
	ConversationStyle string `json:"conversation_style,omitempty"`
	Strategy          string `json:"strategy,omitempty"`
}

type chatResponse struct {
	Answer    string                     `json:"answer"`
	Sources   []vectorindex.SearchResult `json:"sources"`
	Model     string                     `json:"model"`
	SessionID string                     `json:"session_id"`
	ElapsedMS int64                      `json:"elapsed_ms"`
}

// Chat handles POST /api/chat.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Question == "" {
		respondError(w, http.StatusBadRequest, "question is required", nil)
		return
	}

	session := h.session(req.SessionID)
	filter := buildFilter(req.ConversationStyle, req.Strategy)

	resp, err := h.engine.Ask(r.Context(), session, req.Question, filter)
	if err != nil {
		switch {
		case errors.Is(err, rag.ErrGeneratorUnavailable):
			respondError(w, http.StatusServiceUnavailable, "generation backend unavailable", err)
		case errors.Is(err, rag.ErrRetrievalFailed):
			respondError(w, http.StatusBadGateway, "retrieval failed", err)
		default:
			respondError(w, http.StatusBadGateway, "generation failed", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{
		Answer:    resp.Answer,
		Sources:   resp.Sources,
		Model:     resp.Model,
		SessionID: session.ID(),
		ElapsedMS: resp.Elapsed.Milliseconds(),
	})
}

// ChatHistory handles GET and DELETE /api/chat/history.
//
// Query parameters:
//   - session_id — required; unknown IDs return 404
func (h *Handlers) ChatHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	h.mu.Lock()
	session, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "unknown session", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		history := session.History()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": id,
			"turns":      history,
			"turn_count": len(history),
		})
	case http.MethodDelete:
		session.Clear()
		respondJSON(w, http.StatusOK, map[string]string{"message": "chat history cleared"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Search handles GET /api/search.
//
// Query parameters:
//   - q        — the search query (required)
//   - top_k    — number of results (default from config)
//   - style    — filter by conversation style (direct/group)
//   - strategy — filter by chunking strategy
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "q is required", nil)
		return
	}

	topK := parseInt(r.URL.Query().Get("top_k"), 0)
	filter := buildFilter(r.URL.Query().Get("style"), r.URL.Query().Get("strategy"))

	results, err := h.engine.Search(r.Context(), query, topK, filter)
	if err != nil {
		respondError(w, http.StatusBadGateway, "search failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}

type indexRequest struct {
	Days         int `json:"days,omitempty"`
	MessageLimit int `json:"message_limit,omitempty"`
}

// Index handles POST /api/index. The run executes in the background with
// progress broadcast over the websocket hub; a run already in progress yields
// 409.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if r.Body != nil {
		// An empty body means a full reindex.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	// Reserve the pipeline before spawning the goroutine so two concurrent
	// requests cannot both observe it idle and start duplicate runs.
	if !h.pipeline.TryStart() {
		respondError(w, http.StatusConflict, "indexing already in progress", nil)
		return
	}

	go h.runIndex(indexer.Options{Days: req.Days, MessageLimit: req.MessageLimit})

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// runIndex executes the pipeline outside the request lifecycle.
func (h *Handlers) runIndex(opts indexer.Options) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	result, err := h.pipeline.RunReserved(ctx, opts)
	if err != nil {
		log.Printf("server: indexing failed: %v", err)
		if h.hub != nil {
			h.hub.Broadcast(map[string]interface{}{
				"type":  "index_failed",
				"error": err.Error(),
			})
		}
		return
	}

	if h.watcher != nil {
		h.watcher.MarkIndexed(result.CompletedAt)
	}
	if h.hub != nil {
		h.hub.Broadcast(map[string]interface{}{
			"type":   "index_complete",
			"result": result,
		})
	}
}

// Status handles GET /api/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]interface{}{
		"indexing": h.pipeline.Running(),
	}

	if _, err := h.source.Statistics(ctx); err != nil {
		status["source"] = "unavailable"
	} else {
		status["source"] = "ok"
	}

	if stats, err := h.index.Stats(ctx); err == nil {
		status["index"] = stats
	}

	if meta, err := indexer.LoadRunMetadata(h.dataPath); err == nil {
		status["last_run"] = meta
	}

	if h.watcher != nil {
		stale, changedAt := h.watcher.Stale()
		status["index_stale"] = stale
		if stale {
			status["source_changed_at"] = changedAt
		}
	}

	availCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status["llm_available"] = h.engine.IsAvailable(availCtx)
	status["llm_model"] = h.engine.Model()

	respondJSON(w, http.StatusOK, status)
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sourceStats, err := h.source.Statistics(ctx)
	if err != nil {
		if errors.Is(err, chatdb.ErrSourceUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "message database unavailable", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to gather statistics", err)
		return
	}

	indexStats, err := h.index.Stats(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to gather index statistics", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"source": sourceStats,
		"index":  indexStats,
	})
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"healthy"}`)
}

// buildFilter converts optional style/strategy strings into a search filter.
// Returns nil when both are empty.
func buildFilter(style, strategy string) *vectorindex.SearchFilter {
	if style == "" && strategy == "" {
		return nil
	}
	return &vectorindex.SearchFilter{
		ConversationStyle: types.ConversationStyle(style),
		Strategy:          types.Strategy(strategy),
	}
}

// parseInt parses s, falling back to defaultValue on empty or invalid input.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing left to do but log.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{"error": err.Error()}
	}
	respondJSON(w, statusCode, errResp)
}
