package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with your message history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail("load config: %w", err)
			}

			a, err := newApp(cfg, true)
			if err != nil {
				return fail("initialize: %w", err)
			}
			defer a.Close()
			if err := a.requireGenerator(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
			boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			dim := color.New(color.Faint).SprintFunc()

			fmt.Println(boldGreen("chatrecall"))
			fmt.Printf("Model: %s\n", boldCyan(a.engine.Model()))
			fmt.Println("Ask about your message history. Type /help for commands, /quit or Ctrl+C to leave.")
			fmt.Println()

			if !a.engine.IsAvailable(ctx) {
				fmt.Fprintln(os.Stderr, "Warning: generation backend is not reachable; answers will fail until it is.")
			}

			session := a.engine.NewSession()
			scanner := bufio.NewScanner(os.Stdin)

			for {
				fmt.Print(boldGreen("You: "))
				if !scanner.Scan() {
					break
				}
				question := strings.TrimSpace(scanner.Text())
				if question == "" {
					continue
				}
				if strings.EqualFold(question, "exit") || strings.EqualFold(question, "/quit") {
					break
				}
				if strings.HasPrefix(question, "/") {
					switch strings.ToLower(question) {
					case "/clear":
						session.Clear()
						fmt.Println(dim("Conversation history cleared."))
					case "/stats":
						printChatStats(ctx, a)
					case "/help":
						fmt.Println("  /clear  forget the conversation so far")
						fmt.Println("  /stats  show source and index statistics")
						fmt.Println("  /quit   leave the chat")
					default:
						fmt.Printf("Unknown command %s. Type /help for commands.\n", question)
					}
					fmt.Println()
					continue
				}

				resp, err := a.engine.Ask(ctx, session, question, nil)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
					continue
				}

				fmt.Printf("%s %s\n", boldCyan("Assistant:"), resp.Answer)
				if len(resp.Sources) > 0 {
					fmt.Println(dim(fmt.Sprintf("(%d conversations consulted, %dms)",
						len(resp.Sources), resp.Elapsed.Milliseconds())))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// printChatStats shows the same source and index figures as the status
// command, inline in the REPL.
func printChatStats(ctx context.Context, a *app) {
	if stats, err := a.source.Statistics(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "source: %v\n", err)
	} else {
		fmt.Printf("Source: %d messages, %d conversations, %d contacts\n",
			stats.TotalMessages, stats.TotalConversations, stats.TotalHandles)
	}
	if stats, err := a.handle.Stats(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "index: %v\n", err)
	} else {
		fmt.Printf("Index: %s backend, %d chunks across %d conversations, dimension %d\n",
			stats.Backend, stats.Count, stats.Conversations, stats.Dimension)
	}
}
