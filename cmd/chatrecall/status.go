package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scrypster/chatrecall/internal/chatdb"
	"github.com/scrypster/chatrecall/internal/indexer"
	"github.com/scrypster/chatrecall/internal/llm"
	"github.com/scrypster/chatrecall/internal/vectorindex"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show source, index, and backend status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail("load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			bold := color.New(color.Bold).SprintFunc()

			// Source database.
			fmt.Println(bold("Source"))
			source, err := chatdb.Open(cfg.Source.ChatDBPath)
			if err != nil {
				fmt.Printf("  %s %s\n", red("✗"), err)
			} else {
				stats, statErr := source.Statistics(ctx)
				if statErr != nil {
					fmt.Printf("  %s %s\n", red("✗"), statErr)
				} else {
					fmt.Printf("  %s %s\n", green("✓"), cfg.Source.ChatDBPath)
					fmt.Printf("    %d messages, %d conversations, %d contacts\n",
						stats.TotalMessages, stats.TotalConversations, stats.TotalHandles)
				}
				_ = source.Close()
			}

			// Vector index.
			fmt.Println(bold("Index"))
			index, err := vectorindex.Open(cfg.Index.Backend, cfg.Index.DataPath, cfg.Index.PostgresDSN)
			if err != nil {
				fmt.Printf("  %s %s\n", red("✗"), err)
			} else {
				if stats, statErr := index.Stats(ctx); statErr != nil {
					fmt.Printf("  %s %s\n", red("✗"), statErr)
				} else {
					fmt.Printf("  %s %s backend, %d chunks, dimension %d\n",
						green("✓"), stats.Backend, stats.Count, stats.Dimension)
				}
				_ = index.Close()
			}
			if meta, err := indexer.LoadRunMetadata(cfg.Index.DataPath); err == nil {
				fmt.Printf("    last indexed %s (%s strategy, model %s)\n",
					meta.IndexedAt.Format("2006-01-02 15:04"), meta.Strategy, meta.Model)
			} else {
				fmt.Println("    never indexed")
			}

			// Backends.
			fmt.Println(bold("Backends"))
			if backend, err := llm.NewEmbeddingBackend(cfg.Embedding); err != nil {
				fmt.Printf("  embedding  %s %s\n", red("✗"), err)
			} else if backend.IsAvailable(ctx) {
				fmt.Printf("  embedding  %s %s (%s)\n", green("✓"), backend.Model(), backend.Kind())
			} else {
				fmt.Printf("  embedding  %s %s (%s) unreachable\n", red("✗"), backend.Model(), backend.Kind())
			}

			if generator, err := llm.NewTextGenerator(cfg.LLM); err != nil {
				fmt.Printf("  generation %s %s\n", red("✗"), err)
			} else if generator.IsAvailable(ctx) {
				fmt.Printf("  generation %s %s\n", green("✓"), generator.Model())
			} else {
				fmt.Printf("  generation %s %s unreachable\n", red("✗"), generator.Model())
			}

			return nil
		},
	}
}
