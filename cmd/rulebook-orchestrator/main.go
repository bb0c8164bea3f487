// Command rulebook-orchestrator runs the activation orchestrator: the
// BoltDB store, the status mediator, a container engine backend, the
// request dispatcher, the monitor loop, and the heartbeat websocket
// endpoint, all in one process (spec.md §6). Grounded on the teacher's
// cmd/warren single-binary cobra CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	applog "github.com/ansible/rulebook-orchestrator/internal/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rulebook-orchestrator",
	Short:   "Orchestrates long-running ansible-rulebook activation workers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rulebook-orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	applog.Init(applog.Config{
		Level:      applog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
