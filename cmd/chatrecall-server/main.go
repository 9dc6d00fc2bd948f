package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scrypster/chatrecall/internal/chatdb"
	"github.com/scrypster/chatrecall/internal/chunker"
	"github.com/scrypster/chatrecall/internal/config"
	"github.com/scrypster/chatrecall/internal/embedding"
	"github.com/scrypster/chatrecall/internal/indexer"
	"github.com/scrypster/chatrecall/internal/llm"
	"github.com/scrypster/chatrecall/internal/notify"
	"github.com/scrypster/chatrecall/internal/rag"
	"github.com/scrypster/chatrecall/internal/server"
	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: environment)")
	flag.Parse()

	_ = godotenv.Load()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	source, err := chatdb.Open(cfg.Source.ChatDBPath)
	if err != nil {
		log.Fatalf("Failed to open message database: %v", err)
	}
	defer source.Close()

	index, err := vectorindex.Open(cfg.Index.Backend, cfg.Index.DataPath, cfg.Index.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to open vector index: %v", err)
	}
	handle := vectorindex.NewHandle(index)
	defer handle.Close()

	backend, err := llm.NewEmbeddingBackend(cfg.Embedding)
	if err != nil {
		log.Fatalf("Failed to configure embedding backend: %v", err)
	}
	embedder := embedding.NewGenerator(backend, embedding.NewCache(cfg.Embedding.CacheDir))

	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to configure generation backend: %v", err)
	}

	ch := chunker.New(cfg.Chunking.TimeWindowMinutes, cfg.Chunking.MaxMessagesPerChunk, cfg.Chunking.MinMessagesPerChunk)
	pipeline := indexer.New(source, ch, embedder, handle,
		types.Strategy(cfg.Chunking.Strategy), cfg.Index.Backend, cfg.Index.DataPath)
	engine := rag.NewEngine(generator, embedder, handle, cfg.Query)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *notify.SourceWatcher
	if cfg.Source.WatchSource {
		watcher = notify.NewSourceWatcher(cfg.Source.ChatDBPath, nil)
		if err := watcher.Start(); err != nil {
			log.Printf("Source watching disabled: %v", err)
			watcher = nil
		} else {
			defer watcher.Stop()
		}
	}
	if meta, err := indexer.LoadRunMetadata(cfg.Index.DataPath); err == nil && watcher != nil {
		watcher.MarkIndexed(meta.IndexedAt)
	}

	h := server.NewHandlers(engine, pipeline, source, handle, watcher, cfg.Index.DataPath, nil)
	addr, hub, err := server.Start(ctx, cfg, h)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("chatrecall server running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	hub.Stop()
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
	log.Println("Shutdown complete")
}
