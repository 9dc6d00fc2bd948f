package llm

import (
	"fmt"

	"github.com/scrypster/chatrecall/internal/config"
)

// NewTextGenerator creates the appropriate TextGenerator from the LLM config.
// The backend is selected exactly once; swapping providers requires a restart.
func NewTextGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.GenerationTimeout,
		}), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires an API key")
		}
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.GenerationTimeout,
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.GenerationTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewEmbeddingBackend creates the appropriate EmbeddingBackend from the
// embedding config. Anthropic is not an option: it has no embeddings API.
func NewEmbeddingBackend(cfg config.EmbeddingConfig) (EmbeddingBackend, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm: openai embedding provider requires an API key")
		}
		return NewOpenAIEmbeddingClient(OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.Model,
		}), nil
	case "ollama", "":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   model,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unsupported embedding provider: %q", cfg.Provider)
	}
}
