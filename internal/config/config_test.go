package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfig_Defaults verifies the defaults when no environment
// variables are set.
func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Port != 8480 {
		t.Errorf("Server.Port = %d, want 8480", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Chunking.Strategy != "adaptive" {
		t.Errorf("Chunking.Strategy = %q, want adaptive", cfg.Chunking.Strategy)
	}
	if cfg.Chunking.TimeWindowMinutes != 30 {
		t.Errorf("TimeWindowMinutes = %d, want 30", cfg.Chunking.TimeWindowMinutes)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding.Model = %q, want nomic-embed-text", cfg.Embedding.Model)
	}
	if cfg.Index.Backend != "sqlite" {
		t.Errorf("Index.Backend = %q, want sqlite", cfg.Index.Backend)
	}
	if cfg.LLM.GenerationTimeout != 60*time.Second {
		t.Errorf("GenerationTimeout = %v, want 60s", cfg.LLM.GenerationTimeout)
	}
	if cfg.Query.TopK != 5 || cfg.Query.MaxContextLength != 4000 || cfg.Query.MaxHistoryTurns != 20 {
		t.Errorf("Query defaults = %+v, want 5/4000/20", cfg.Query)
	}
	if !cfg.Source.WatchSource {
		t.Error("Source.WatchSource default = false, want true")
	}

	// CacheDir is derived from the data path when unset.
	want := filepath.Join(cfg.Index.DataPath, "embeddings")
	if cfg.Embedding.CacheDir != want {
		t.Errorf("Embedding.CacheDir = %q, want %q", cfg.Embedding.CacheDir, want)
	}
}

// TestLoadConfig_EnvOverrides verifies CHATRECALL_* variables override the
// defaults.
func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CHATRECALL_PORT", "9000")
	t.Setenv("CHATRECALL_CHUNK_STRATEGY", "daily_group")
	t.Setenv("CHATRECALL_INDEX_BACKEND", "memory")
	t.Setenv("CHATRECALL_TOP_K", "12")
	t.Setenv("CHATRECALL_WATCH_SOURCE", "false")
	t.Setenv("CHATRECALL_GENERATION_TIMEOUT", "90s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Chunking.Strategy != "daily_group" {
		t.Errorf("Chunking.Strategy = %q, want daily_group", cfg.Chunking.Strategy)
	}
	if cfg.Index.Backend != "memory" {
		t.Errorf("Index.Backend = %q, want memory", cfg.Index.Backend)
	}
	if cfg.Query.TopK != 12 {
		t.Errorf("Query.TopK = %d, want 12", cfg.Query.TopK)
	}
	if cfg.Source.WatchSource {
		t.Error("Source.WatchSource = true, want false")
	}
	if cfg.LLM.GenerationTimeout != 90*time.Second {
		t.Errorf("GenerationTimeout = %v, want 90s", cfg.LLM.GenerationTimeout)
	}
}

// TestLoadConfig_InvalidIntFallsBack verifies unparseable numeric variables
// keep the default.
func TestLoadConfig_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("CHATRECALL_PORT", "not-a-number")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.Server.Port != 8480 {
		t.Errorf("Server.Port = %d, want default 8480", cfg.Server.Port)
	}
}

// TestLoadConfigFile verifies YAML values override defaults and env
// variables override the file.
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
chunking:
  strategy: participant_turn
  max_messages_per_chunk: 25
index:
  backend: memory
  data_path: /tmp/chatrecall-test
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("CHATRECALL_PORT", "7777")

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() failed: %v", err)
	}

	// Env wins over file.
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
	// File wins over defaults.
	if cfg.Chunking.Strategy != "participant_turn" {
		t.Errorf("Chunking.Strategy = %q, want participant_turn", cfg.Chunking.Strategy)
	}
	if cfg.Chunking.MaxMessagesPerChunk != 25 {
		t.Errorf("MaxMessagesPerChunk = %d, want 25", cfg.Chunking.MaxMessagesPerChunk)
	}
	// Fields the file omits keep their defaults.
	if cfg.Chunking.MinMessagesPerChunk != 3 {
		t.Errorf("MinMessagesPerChunk = %d, want default 3", cfg.Chunking.MinMessagesPerChunk)
	}
	// Derived default follows the file's data path.
	want := filepath.Join("/tmp/chatrecall-test", "embeddings")
	if cfg.Embedding.CacheDir != want {
		t.Errorf("Embedding.CacheDir = %q, want %q", cfg.Embedding.CacheDir, want)
	}
}

// TestLoadConfigFile_Missing verifies a missing file is an error.
func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

// TestLoadConfigFile_Malformed verifies invalid YAML is rejected.
func TestLoadConfigFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}
