// Command memoria runs the persona memory engine server and provides
// operator subcommands for schema setup and API key management. Grounded
// on cmd/gateway/main.go's cobra root-command-plus-persistent-flags shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

const (
	exitOK    = 0
	exitErr   = 1
	exitUsage = 2
)

var rootCmd = &cobra.Command{
	Use:   "memoria",
	Short: "Memoria is a vector-memory engine for AI-persona long-term memory",
	Long: `Memoria stores, indexes, and retrieves persona-scoped memories for
conversational AI agents, ranking retrieval by similarity, importance, and
recency, and decaying low-importance memories over time.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "memoria.json", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(apiKeyRootCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitErr)
	}
	os.Exit(exitOK)
}

// usageError marks a command failure that originates from bad CLI input
// rather than a runtime failure, so main can distinguish the two exit codes.
type usageError struct{ error }

func newUsageError(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}
