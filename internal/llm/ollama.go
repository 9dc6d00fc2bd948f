package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/chatrecall/pkg/types"
)

// OllamaClient handles communication with a local Ollama server. One client
// serves a single model; text generation and embeddings use separate clients
// because they use different models with different latency profiles.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use (default: llama3.2)
	Model string

	// Timeout is the request timeout. Generation against local models can
	// take tens of seconds, so the default is 60s.
	Timeout time.Duration
}

// ollamaGenerateRequest is the request body for /api/generate.
type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ollamaGenerateResponse is the response from /api/generate.
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// ollamaEmbedRequest is the request body for /api/embed. Input accepts an
// array of texts, which is what makes one batched call per embed run possible.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the response from /api/embed: one embedding per input.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ollamaTagsResponse is the response from /api/tags.
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.2"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &OllamaClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// Generate sends the conversation to Ollama and returns the response text.
// Ollama's generate endpoint takes a single prompt, so the turns are rendered
// into "System:"/"User:"/"Assistant:" lines with a trailing "Assistant:" cue.
func (c *OllamaClient) Generate(ctx context.Context, turns []types.ChatTurn, systemPrompt string) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.generate(ctx, formatPrompt(turns, systemPrompt))
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var respData ollamaGenerateResponse
	err := c.postJSON(ctx, "/api/generate", ollamaGenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false, // We don't support streaming
	}, &respData)
	if err != nil {
		return "", err
	}

	return respData.Response, nil
}

// Embed generates embeddings for all texts in a single batched call.
// Results are returned in input order.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

func (c *OllamaClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var respData ollamaEmbedResponse
	err := c.postJSON(ctx, "/api/embed", ollamaEmbedRequest{
		Model: c.model,
		Input: texts,
	}, &respData)
	if err != nil {
		return nil, err
	}

	if len(respData.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(respData.Embeddings), len(texts))
	}
	for i, emb := range respData.Embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("ollama returned empty embedding for input %d", i)
		}
	}

	return respData.Embeddings, nil
}

// postJSON marshals reqBody, POSTs it to path, and decodes the response into
// respData. Non-200 statuses are returned as errors with the response body.
func (c *OllamaClient) postJSON(ctx context.Context, path string, reqBody, respData interface{}) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// IsAvailable reports whether the Ollama server is reachable and the
// configured model is installed. The check uses a short timeout regardless
// of the configured request timeout.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	models, err := c.listModels(ctx)
	if err != nil {
		return false
	}

	for _, name := range models {
		// Model names carry tags (e.g. "llama3.2:latest"); compare the base.
		if name == c.model || strings.SplitN(name, ":", 2)[0] == c.model {
			return true
		}
	}
	return false
}

// ListModels returns the models installed on the Ollama server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.listModels(ctx)
}

func (c *OllamaClient) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	models := make([]string, len(respData.Models))
	for i, model := range respData.Models {
		models[i] = model.Name
	}
	return models, nil
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Kind returns the backend family tag used in embedding cache keys.
func (c *OllamaClient) Kind() string {
	return "ollama"
}

// formatPrompt renders chat turns into a single prompt string for backends
// without a native chat endpoint.
func formatPrompt(turns []types.ChatTurn, systemPrompt string) string {
	var b strings.Builder

	if systemPrompt != "" {
		b.WriteString("System: " + systemPrompt + "\n\n")
	}

	for _, turn := range turns {
		switch turn.Role {
		case types.RoleSystem:
			b.WriteString("System: " + turn.Content + "\n\n")
		case types.RoleUser:
			b.WriteString("User: " + turn.Content + "\n\n")
		case types.RoleAssistant:
			b.WriteString("Assistant: " + turn.Content + "\n\n")
		}
	}

	b.WriteString("Assistant:")
	return b.String()
}

// Compile-time assertions that OllamaClient satisfies both backend interfaces.
var _ TextGenerator = (*OllamaClient)(nil)
var _ EmbeddingBackend = (*OllamaClient)(nil)
