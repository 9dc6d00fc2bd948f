package main

import (
	"fmt"

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

// app bundles the wired components a command needs. Not every command needs
// the generation backend; withGenerator controls whether it is constructed
// (and its credentials validated).
type app struct {
	cfg      *config.Config
	source   *chatdb.Source
	handle   *vectorindex.Handle
	embedder *embedding.Generator
	pipeline *indexer.Pipeline
	engine   *rag.Engine

	hasGenerator bool
}

func newApp(cfg *config.Config, withGenerator bool) (*app, error) {
	source, err := chatdb.Open(cfg.Source.ChatDBPath)
	if err != nil {
		return nil, err
	}

	index, err := vectorindex.Open(cfg.Index.Backend, cfg.Index.DataPath, cfg.Index.PostgresDSN)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	handle := vectorindex.NewHandle(index)

	backend, err := llm.NewEmbeddingBackend(cfg.Embedding)
	if err != nil {
		_ = source.Close()
		_ = handle.Close()
		return nil, err
	}
	embedder := embedding.NewGenerator(backend, embedding.NewCache(cfg.Embedding.CacheDir))

	ch := chunker.New(cfg.Chunking.TimeWindowMinutes, cfg.Chunking.MaxMessagesPerChunk, cfg.Chunking.MinMessagesPerChunk)
	pipeline := indexer.New(source, ch, embedder, handle,
		types.Strategy(cfg.Chunking.Strategy), cfg.Index.Backend, cfg.Index.DataPath)

	a := &app{
		cfg:      cfg,
		source:   source,
		handle:   handle,
		embedder: embedder,
		pipeline: pipeline,
	}

	if withGenerator {
		generator, err := llm.NewTextGenerator(cfg.LLM)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.engine = rag.NewEngine(generator, embedder, handle, cfg.Query)
		a.hasGenerator = true
	} else {
		// Search-only commands still get retrieval through the engine; the
		// generator stays unset and Ask must not be called.
		a.engine = rag.NewEngine(nil, embedder, handle, cfg.Query)
	}

	return a, nil
}

func (a *app) Close() {
	if a.source != nil {
		_ = a.source.Close()
	}
	if a.handle != nil {
		_ = a.handle.Close()
	}
}

// requireGenerator guards commands that generate text.
func (a *app) requireGenerator() error {
	if !a.hasGenerator {
		return fmt.Errorf("no generation backend configured")
	}
	return nil
}
