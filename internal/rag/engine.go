// Package rag implements the retrieval-augmented query engine: retrieve
// relevant chunks, assemble a bounded context, and generate an answer with
// session history.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/chatrecall/internal/config"
	"github.com/scrypster/chatrecall/internal/embedding"
	"github.com/scrypster/chatrecall/internal/llm"
	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

var (
	// ErrGeneratorUnavailable indicates the text-generation backend is not
	// reachable.
	ErrGeneratorUnavailable = errors.New("rag: generation backend unavailable")

	// ErrRetrievalFailed indicates the embed-and-search phase failed; no
	// generation was attempted.
	ErrRetrievalFailed = errors.New("rag: retrieval failed")

	// ErrGenerationFailed indicates retrieval succeeded but the backend
	// failed to produce an answer.
	ErrGenerationFailed = errors.New("rag: generation failed")
)

// historyPromptTurns bounds how many stored turns accompany each question.
// The session keeps more; only the most recent slice reaches the model.
const historyPromptTurns = 10

// Response is the result of one question.
type Response struct {
	Answer  string                     `json:"answer"`
	Sources []vectorindex.SearchResult `json:"sources"`
	Model   string                     `json:"model"`
	Elapsed time.Duration              `json:"elapsed"`
}

// Engine ties the embedding generator, vector index, and text generator
// together. It is stateless across questions; per-conversation state lives in
// Session.
type Engine struct {
	generator llm.TextGenerator
	embedder  *embedding.Generator
	index     vectorindex.Index

	topK             int
	maxContextLength int
	maxHistoryTurns  int
}

// NewEngine builds an engine with the given backends and query bounds.
func NewEngine(generator llm.TextGenerator, embedder *embedding.Generator, index vectorindex.Index, cfg config.QueryConfig) *Engine {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	maxContext := cfg.MaxContextLength
	if maxContext <= 0 {
		maxContext = 4000
	}
	maxHistory := cfg.MaxHistoryTurns
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Engine{
		generator:        generator,
		embedder:         embedder,
		index:            index,
		topK:             topK,
		maxContextLength: maxContext,
		maxHistoryTurns:  maxHistory,
	}
}

// NewSession creates a session bound to this engine's history limit.
func (e *Engine) NewSession() *Session {
	return NewSession(e.maxHistoryTurns)
}

// Model returns the generation backend's model identifier, or "" when the
// engine was built for retrieval only.
func (e *Engine) Model() string {
	if e.generator == nil {
		return ""
	}
	return e.generator.Model()
}

// IsAvailable reports whether the generation backend can serve requests.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	return e.generator != nil && e.generator.IsAvailable(ctx)
}

// Search embeds the query and returns ranked chunks without generation.
func (e *Engine) Search(ctx context.Context, query string, topK int, filter *vectorindex.SearchFilter) ([]vectorindex.SearchResult, error) {
	if topK <= 0 {
		topK = e.topK
	}
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	results, err := e.index.Search(ctx, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	return results, nil
}

// Ask answers a question against the indexed history. Retrieval runs first;
// the retrieved chunks become the system prompt context, the session's recent
// turns plus the question become the conversation. The session history is
// only updated when generation succeeds.
func (e *Engine) Ask(ctx context.Context, session *Session, question string, filter *vectorindex.SearchFilter) (*Response, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrRetrievalFailed)
	}
	if e.generator == nil {
		return nil, fmt.Errorf("%w: no generation backend configured", ErrGeneratorUnavailable)
	}

	start := time.Now()

	retrieved, err := e.Search(ctx, question, e.topK, filter)
	if err != nil {
		return nil, err
	}

	context, used := buildContext(retrieved, e.maxContextLength)
	systemPrompt := buildSystemPrompt(context)

	// Only the chunks that made it into the context count as sources; chunks
	// dropped for the character budget never reached the model.
	sources := retrieved[:used]

	var turns []types.ChatTurn
	if session != nil {
		turns = session.recent(historyPromptTurns)
	}
	turns = append(turns, types.ChatTurn{Role: types.RoleUser, Content: question, Timestamp: time.Now()})

	answer, err := e.generator.Generate(ctx, turns, systemPrompt)
	if err != nil {
		if errors.Is(err, llm.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if session != nil {
		session.append(question, answer)
	}

	return &Response{
		Answer:  answer,
		Sources: sources,
		Model:   e.generator.Model(),
		Elapsed: time.Since(start),
	}, nil
}

// buildContext concatenates retrieved chunks into the context string, best
// match first, stopping before the first chunk that would push the total past
// the character budget. Chunks are included whole or not at all; the returned
// count is how many leading results made it in, so callers can report exactly
// the chunks the model saw.
func buildContext(results []vectorindex.SearchResult, maxLength int) (string, int) {
	var b strings.Builder
	total := 0
	used := 0

	for i, res := range results {
		header := fmt.Sprintf("--- Conversation %d ---\n", i+1)
		if res.Metadata.ConversationLabel != "" {
			header += fmt.Sprintf("With: %s\n", res.Metadata.ConversationLabel)
		}
		if len(res.Metadata.Participants) > 0 {
			header += fmt.Sprintf("Participants: %s\n", strings.Join(res.Metadata.Participants, ", "))
		}
		if !res.Metadata.StartTime.IsZero() {
			header += fmt.Sprintf("Time: %s - %s\n",
				res.Metadata.StartTime.Format("2006-01-02 15:04"),
				res.Metadata.EndTime.Format("2006-01-02 15:04"))
		}
		header += fmt.Sprintf("Messages: %d\n\n", res.Metadata.MessageCount)

		part := header + res.Text + "\n\n"
		if total+len(part) > maxLength {
			break
		}
		b.WriteString(part)
		total += len(part)
		used++
	}

	return b.String(), used
}

// buildSystemPrompt wraps the retrieved context in the standing instructions.
func buildSystemPrompt(context string) string {
	if context == "" {
		context = "(no relevant conversations found)"
	}
	return fmt.Sprintf(`You are an AI assistant helping someone understand their message history.

You have access to relevant conversations from their chat history. Use this context to answer their questions accurately and helpfully.

CONVERSATION CONTEXT:
%s

INSTRUCTIONS:
- Answer questions based on the conversation context provided
- Be conversational and helpful
- If you can't find relevant information in the context, say so
- Reference specific conversations when relevant
- Maintain privacy and be respectful about personal conversations
- If asked about recent conversations, note the dates from the context

Remember: this is the user's own private message history. Help them understand and navigate their conversations.`, context)
}
