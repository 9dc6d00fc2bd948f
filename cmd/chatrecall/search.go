package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scrypster/chatrecall/internal/vectorindex"
	"github.com/scrypster/chatrecall/pkg/types"
)

func newSearchCmd() *cobra.Command {
	var topK int
	var style string
	var strategy string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over indexed conversations",
		Args:  cobra.MinimumNArgs(1),
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

			query := strings.Join(args, " ")
			var filter *vectorindex.SearchFilter
			if style != "" || strategy != "" {
				filter = &vectorindex.SearchFilter{
					ConversationStyle: types.ConversationStyle(style),
					Strategy:          types.Strategy(strategy),
				}
			}

			results, err := a.engine.Search(context.Background(), query, topK, filter)
			if err != nil {
				return fail("search: %w", err)
			}

			if len(results) == 0 {
				fmt.Println("No matches. Has the index been built? (chatrecall index)")
				return nil
			}

			boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			dim := color.New(color.Faint).SprintFunc()

			for i, res := range results {
				fmt.Printf("%s %s %s\n", boldCyan(fmt.Sprintf("%d.", i+1)),
					res.Metadata.ConversationLabel,
					dim(fmt.Sprintf("(score %.3f, %d messages)", res.Score, res.Metadata.MessageCount)))
				if detail := resultDetail(res); detail != "" {
					fmt.Println(dim("   " + detail))
				}
				fmt.Println(indent(snippet(res.Text, 400), "   "))
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 0, "number of results (default from config)")
	cmd.Flags().StringVar(&style, "style", "", "filter by conversation style (direct/group)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "filter by chunking strategy")
	return cmd
}

// resultDetail renders the participants and time range of a match, when the
// chunk carries them.
func resultDetail(res vectorindex.SearchResult) string {
	var parts []string
	if len(res.Metadata.Participants) > 0 {
		parts = append(parts, strings.Join(res.Metadata.Participants, ", "))
	}
	if !res.Metadata.StartTime.IsZero() {
		parts = append(parts, fmt.Sprintf("%s - %s",
			res.Metadata.StartTime.Format("2006-01-02 15:04"),
			res.Metadata.EndTime.Format("2006-01-02 15:04")))
	}
	return strings.Join(parts, " | ")
}

// snippet truncates text to at most n bytes on a line boundary.
func snippet(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := text[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n…"
}

// indent prefixes every line of s.
func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
