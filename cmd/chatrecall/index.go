package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scrypster/chatrecall/internal/indexer"
)

func newIndexCmd() *cobra.Command {
	var days int
	var limit int

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or rebuild the vector index from the Messages database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail("load config: %w", err)
			}

			a, err := newApp(cfg, false)
			if err != nil {
				return fail("initialize: %w", err)
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			bold := color.New(color.Bold).SprintFunc()
			fmt.Printf("Indexing %s\n", bold(cfg.Source.ChatDBPath))
			fmt.Printf("  strategy:  %s\n", cfg.Chunking.Strategy)
			fmt.Printf("  embedding: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
			fmt.Printf("  index:     %s\n\n", cfg.Index.Backend)

			// Fail before touching the index rather than partway through a run.
			if !a.embedder.IsAvailable(ctx) {
				return fail("embedding backend %s (%s) is not reachable", cfg.Embedding.Model, cfg.Embedding.Provider)
			}

			a.pipeline.SetProgress(printProgress)

			result, err := a.pipeline.Run(ctx, indexer.Options{Days: days, MessageLimit: limit})
			if err != nil {
				return fail("indexing: %w", err)
			}

			green := color.New(color.FgGreen, color.Bold).SprintFunc()
			fmt.Printf("\n%s %d chunks from %d conversations (%d messages) in %s\n",
				green("Indexed"), result.Chunks, result.Conversations, result.Messages,
				result.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "only index messages from the last N days (0 = full history)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap messages per conversation (0 = no cap)")
	return cmd
}

// printProgress renders pipeline updates as single overwritten lines.
func printProgress(p indexer.Progress) {
	switch p.Stage {
	case "loading", "chunking":
		fmt.Printf("\r%-9s %d/%d conversations          ", p.Stage, p.Current, p.Total)
	case "embedding":
		fmt.Printf("\r%-9s %d/%d chunks                 ", p.Stage, p.Current, p.Total)
	case "indexing":
		fmt.Printf("\r%-9s %d records                   ", p.Stage, p.Total)
	case "done":
		fmt.Print("\r                                          \r")
	}
}
