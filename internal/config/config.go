// Package config provides configuration management for chatrecall.
// It loads settings from environment variables with the CHATRECALL_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML config file can be loaded with LoadConfigFile; file values
// override defaults, and environment variables override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the chatrecall application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	LLM       LLMConfig       `yaml:"llm"`
	Query     QueryConfig     `yaml:"query"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 8480)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// SourceConfig contains message-source database configuration.
type SourceConfig struct {
	// ChatDBPath is the path to the Messages database.
	// Default: ~/Library/Messages/chat.db
	ChatDBPath string `yaml:"chat_db_path"`

	// WatchSource enables watching the source database for changes so the
	// status endpoints can report a stale index (default: true).
	WatchSource bool `yaml:"watch_source"`
}

// ChunkingConfig contains chunker bounds and strategy selection.
type ChunkingConfig struct {
	Strategy            string `yaml:"strategy"`               // adaptive, conversation_window, daily_group, participant_turn (default: adaptive)
	TimeWindowMinutes   int    `yaml:"time_window_minutes"`    // session gap threshold (default: 30)
	MaxMessagesPerChunk int    `yaml:"max_messages_per_chunk"` // default: 50
	MinMessagesPerChunk int    `yaml:"min_messages_per_chunk"` // default: 3
}

// EmbeddingConfig contains embedding backend configuration.
type EmbeddingConfig struct {
	Provider     string `yaml:"provider"`      // ollama or openai (default: ollama)
	Model        string `yaml:"model"`         // default: nomic-embed-text
	OllamaURL    string `yaml:"ollama_url"`    // default: http://localhost:11434
	OpenAIAPIKey string `yaml:"openai_api_key"`
	CacheDir     string `yaml:"cache_dir"` // default: <data_path>/embeddings
}

// IndexConfig contains vector index configuration.
type IndexConfig struct {
	Backend     string `yaml:"backend"`      // memory, sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // default: ./data
	PostgresDSN string `yaml:"postgres_dsn"` // required when backend=postgres
}

// LLMConfig contains text-generation backend configuration.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // ollama, openai, anthropic (default: ollama)
	OllamaURL         string        `yaml:"ollama_url"`
	OllamaModel       string        `yaml:"ollama_model"` // default: llama3.2
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIModel       string        `yaml:"openai_model"` // default: gpt-4o-mini
	AnthropicAPIKey   string        `yaml:"anthropic_api_key"`
	AnthropicModel    string        `yaml:"anthropic_model"` // default: claude-3-haiku-20240307
	GenerationTimeout time.Duration `yaml:"generation_timeout"` // default: 60s
}

// QueryConfig contains retrieval and context-assembly bounds.
type QueryConfig struct {
	TopK             int `yaml:"top_k"`              // chunks retrieved per question (default: 5)
	MaxContextLength int `yaml:"max_context_length"` // context character budget (default: 4000)
	MaxHistoryTurns  int `yaml:"max_history_turns"`  // session history bound (default: 20)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the CHATRECALL_ prefix.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	applyEnv(cfg)
	cfg.applyDerivedDefaults()
	return cfg, nil
}

// LoadConfigFile loads configuration from a YAML file, then applies
// environment variable overrides on top. Missing file is an error; callers
// that treat the file as optional should stat it first.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnv(cfg)
	cfg.applyDerivedDefaults()
	return cfg, nil
}

// defaultConfig returns a Config populated with defaults only.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8480,
			Host: "127.0.0.1",
		},
		Source: SourceConfig{
			ChatDBPath:  defaultChatDBPath(),
			WatchSource: true,
		},
		Chunking: ChunkingConfig{
			Strategy:            "adaptive",
			TimeWindowMinutes:   30,
			MaxMessagesPerChunk: 50,
			MinMessagesPerChunk: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			OllamaURL: "http://localhost:11434",
		},
		Index: IndexConfig{
			Backend:  "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider:          "ollama",
			OllamaURL:         "http://localhost:11434",
			OllamaModel:       "llama3.2",
			OpenAIModel:       "gpt-4o-mini",
			AnthropicModel:    "claude-3-haiku-20240307",
			GenerationTimeout: 60 * time.Second,
		},
		Query: QueryConfig{
			TopK:             5,
			MaxContextLength: 4000,
			MaxHistoryTurns:  20,
		},
	}
}

// applyEnv overrides cfg fields from CHATRECALL_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("CHATRECALL_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("CHATRECALL_HOST", cfg.Server.Host)

	cfg.Source.ChatDBPath = getEnv("CHATRECALL_CHAT_DB", cfg.Source.ChatDBPath)
	cfg.Source.WatchSource = getEnvBool("CHATRECALL_WATCH_SOURCE", cfg.Source.WatchSource)

	cfg.Chunking.Strategy = getEnv("CHATRECALL_CHUNK_STRATEGY", cfg.Chunking.Strategy)
	cfg.Chunking.TimeWindowMinutes = getEnvInt("CHATRECALL_TIME_WINDOW_MINUTES", cfg.Chunking.TimeWindowMinutes)
	cfg.Chunking.MaxMessagesPerChunk = getEnvInt("CHATRECALL_MAX_MESSAGES_PER_CHUNK", cfg.Chunking.MaxMessagesPerChunk)
	cfg.Chunking.MinMessagesPerChunk = getEnvInt("CHATRECALL_MIN_MESSAGES_PER_CHUNK", cfg.Chunking.MinMessagesPerChunk)

	cfg.Embedding.Provider = getEnv("CHATRECALL_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Model = getEnv("CHATRECALL_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.OllamaURL = getEnv("CHATRECALL_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.OpenAIAPIKey = getEnv("CHATRECALL_OPENAI_API_KEY", cfg.Embedding.OpenAIAPIKey)
	cfg.Embedding.CacheDir = getEnv("CHATRECALL_EMBEDDING_CACHE_DIR", cfg.Embedding.CacheDir)

	cfg.Index.Backend = getEnv("CHATRECALL_INDEX_BACKEND", cfg.Index.Backend)
	cfg.Index.DataPath = getEnv("CHATRECALL_DATA_PATH", cfg.Index.DataPath)
	cfg.Index.PostgresDSN = getEnv("CHATRECALL_POSTGRES_DSN", cfg.Index.PostgresDSN)

	cfg.LLM.Provider = getEnv("CHATRECALL_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.OllamaURL = getEnv("CHATRECALL_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.OllamaModel = getEnv("CHATRECALL_OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.OpenAIAPIKey = getEnv("CHATRECALL_OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = getEnv("CHATRECALL_OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.AnthropicAPIKey = getEnv("CHATRECALL_ANTHROPIC_API_KEY", cfg.LLM.AnthropicAPIKey)
	cfg.LLM.AnthropicModel = getEnv("CHATRECALL_ANTHROPIC_MODEL", cfg.LLM.AnthropicModel)
	if v := os.Getenv("CHATRECALL_GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.GenerationTimeout = d
		}
	}

	cfg.Query.TopK = getEnvInt("CHATRECALL_TOP_K", cfg.Query.TopK)
	cfg.Query.MaxContextLength = getEnvInt("CHATRECALL_MAX_CONTEXT_LENGTH", cfg.Query.MaxContextLength)
	cfg.Query.MaxHistoryTurns = getEnvInt("CHATRECALL_MAX_HISTORY_TURNS", cfg.Query.MaxHistoryTurns)
}

// applyDerivedDefaults fills fields whose defaults depend on other fields.
func (c *Config) applyDerivedDefaults() {
	if c.Embedding.CacheDir == "" {
		c.Embedding.CacheDir = filepath.Join(c.Index.DataPath, "embeddings")
	}
}

// defaultChatDBPath returns the default macOS Messages database location.
func defaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
