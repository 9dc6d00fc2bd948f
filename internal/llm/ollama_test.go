package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scrypster/chatrecall/internal/config"
	"github.com/scrypster/chatrecall/pkg/types"
)

// newOllamaServer stands in for a local Ollama instance.
func newOllamaServer(t *testing.T, models []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req ollamaGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(ollamaGenerateResponse{
				Response: "stub answer",
				Done:     true,
			})
		case "/api/embed":
			var req ollamaEmbedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			embeddings := make([][]float32, len(req.Input))
			for i := range req.Input {
				embeddings[i] = []float32{1, 2, 3}
			}
			json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: embeddings})
		case "/api/tags":
			resp := ollamaTagsResponse{}
			for _, m := range models {
				resp.Models = append(resp.Models, struct {
					Name string `json:"name"`
				}{Name: m})
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

// TestOllamaGenerate verifies the generate round trip through a stub server.
func TestOllamaGenerate(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3.2:latest"})
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "llama3.2"})
	answer, err := client.Generate(context.Background(), []types.ChatTurn{
		{Role: types.RoleUser, Content: "hello"},
	}, "be brief")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if answer == "" {
		t.Error("Generate() returned empty answer")
	}
}

// TestOllamaEmbed_SingleBatch verifies one call embeds all inputs in order.
func TestOllamaEmbed_SingleBatch(t *testing.T) {
	server := newOllamaServer(t, nil)
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "nomic-embed-text"})
	vectors, err := client.Embed(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("Embed() failed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 3 {
			t.Errorf("vector %d has dimension %d, want 3", i, len(v))
		}
	}

	// Empty input never hits the server.
	vectors, err = client.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("Embed(nil) = %v, %v; want nil, nil", vectors, err)
	}
}

// TestOllamaEmbed_CountMismatch verifies a server returning too few
// embeddings yields an error.
func TestOllamaEmbed_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "m"})
	if _, err := client.Embed(context.Background(), []string{"one", "two"}); err == nil {
		t.Fatal("expected error for embedding count mismatch, got nil")
	}
}

// TestOllamaIsAvailable verifies model matching including tag suffixes.
func TestOllamaIsAvailable(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3.2:latest", "nomic-embed-text:latest"})
	defer server.Close()

	ctx := context.Background()
	if !NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "llama3.2"}).IsAvailable(ctx) {
		t.Error("expected llama3.2 to be available (tag-suffixed listing)")
	}
	if NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "mistral"}).IsAvailable(ctx) {
		t.Error("expected mistral to be unavailable")
	}
}

// TestFormatPrompt verifies the role rendering and the trailing cue.
func TestFormatPrompt(t *testing.T) {
	prompt := formatPrompt([]types.ChatTurn{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
		{Role: types.RoleUser, Content: "question"},
	}, "context here")

	for _, want := range []string{"System: context here", "User: hi", "Assistant: hello", "User: question"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Errorf("prompt should end with the assistant cue, got %q", prompt[len(prompt)-20:])
	}
}

// TestFactory_ProviderSelection verifies provider dispatch and the required
// credential checks.
func TestFactory_ProviderSelection(t *testing.T) {
	gen, err := NewTextGenerator(config.LLMConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("NewTextGenerator(ollama) failed: %v", err)
	}
	if _, ok := gen.(*OllamaClient); !ok {
		t.Errorf("ollama provider returned %T", gen)
	}

	// Default provider is ollama.
	if gen, err = NewTextGenerator(config.LLMConfig{}); err != nil {
		t.Fatalf("NewTextGenerator(default) failed: %v", err)
	}
	if _, ok := gen.(*OllamaClient); !ok {
		t.Errorf("default provider returned %T", gen)
	}

	if _, err := NewTextGenerator(config.LLMConfig{Provider: "openai"}); err == nil {
		t.Error("openai without API key should fail")
	}
	if _, err := NewTextGenerator(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without API key should fail")
	}
	if _, err := NewTextGenerator(config.LLMConfig{Provider: "bogus"}); err == nil {
		t.Error("unknown provider should fail")
	}

	emb, err := NewEmbeddingBackend(config.EmbeddingConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("NewEmbeddingBackend(ollama) failed: %v", err)
	}
	if emb.Model() != "nomic-embed-text" {
		t.Errorf("default embedding model = %q, want nomic-embed-text", emb.Model())
	}
	if _, err := NewEmbeddingBackend(config.EmbeddingConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic embedding provider should be rejected")
	}
}
