package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OpenAIEmbeddingClient implements EmbeddingBackend using the OpenAI
// embeddings API. All texts in a call go out as one batched request.
type OpenAIEmbeddingClient struct {
	cfg            OpenAIConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIEmbeddingClient creates a new OpenAI embedding client.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig) *OpenAIEmbeddingClient {
	cfg.applyDefaults("text-embedding-3-small")
	return &OpenAIEmbeddingClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
	}
}

// openAIEmbeddingRequest is the request body for POST /v1/embeddings.
type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// openAIEmbeddingResponse is the response body from POST /v1/embeddings.
// Data entries carry an index so order can be restored defensively.
type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates embeddings for all texts in one batched API call.
// Results are returned in input order.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("openai circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

func (c *OpenAIEmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := openAIEmbeddingRequest{
		Model: c.cfg.Model,
		Input: texts,
	}

	var respData openAIEmbeddingResponse
	if err := openAIPostJSON(ctx, c.client, c.cfg.BaseURL+"/v1/embeddings", c.cfg.APIKey, reqBody, &respData); err != nil {
		return nil, err
	}

	if len(respData.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(respData.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range respData.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("openai returned out-of-range embedding index %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, emb := range embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("openai returned empty embedding for input %d", i)
		}
	}

	return embeddings, nil
}

// IsAvailable reports whether the API key is set and the API reachable.
func (c *OpenAIEmbeddingClient) IsAvailable(ctx context.Context) bool {
	if c.cfg.APIKey == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Model returns the configured embedding model name.
func (c *OpenAIEmbeddingClient) Model() string {
	return c.cfg.Model
}

// Kind returns the backend family tag used in embedding cache keys.
func (c *OpenAIEmbeddingClient) Kind() string {
	return "openai"
}

// Compile-time assertion.
var _ EmbeddingBackend = (*OpenAIEmbeddingClient)(nil)
