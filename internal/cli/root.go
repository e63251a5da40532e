// Package cli wires the watchgate commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "watchgate",
	Short: "Fail-closed orchestration gate with an append-only audit ledger",
	Long: "Runs stateless assist engines through a deterministic per-turn pipeline.\n" +
		"Every gate decision lands in a hash-chained, append-only ledger used for\n" +
		"deterministic replay and tamper-evident proof.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
