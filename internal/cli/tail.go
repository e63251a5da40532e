package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pvoronin/watchgate/internal/ledger"
)

var (
	tailLedger string
	tailLines  int
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailLedger, "ledger", defaultLedgerPath(), "Path to ledger database")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent events to show")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger events",
	Long:  "Reads the last N events from the ledger and pretty-prints them.",
	RunE:  runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	store, err := ledger.Open(tailLedger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	events, err := store.Tail(context.Background(), tailLines)
	if err != nil {
		return err
	}

	for _, e := range events {
		out, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}
