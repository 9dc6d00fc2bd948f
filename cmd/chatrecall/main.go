// Command chatrecall is the CLI for indexing and querying a Messages
// database: build the vector index, search it, and chat against it.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/scrypster/chatrecall/internal/config"
)

const version = "1.0.0"

func main() {
	// Local overrides for API keys and paths; missing file is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "chatrecall",
		Short:        "Chat with your iMessage history using AI",
		Long:         "chatrecall indexes your Messages database into a local vector index\nand answers questions about your conversation history with a local or\nhosted language model.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to YAML config file (optional)")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for a command: YAML file when
// --config is set, environment and defaults otherwise.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadConfigFile(path)
	}
	return config.LoadConfig()
}

// fail wraps a command failure; cobra prints it to stderr on exit.
func fail(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
