package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pvoronin/watchgate/internal/ledger"
	"github.com/pvoronin/watchgate/internal/replay"
)

var verifyLedger string

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyLedger, "ledger", defaultLedgerPath(), "Path to ledger database")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the ledger",
	Long: "Walks every committed event in append order and validates that each\n" +
		"prev_hash matches the SHA-256 of the previous event. Exits 0 if intact,\n" +
		"1 if tampered.",
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	store, err := ledger.Open(verifyLedger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	result := replay.VerifyChain(context.Background(), store)
	if result.Valid {
		fmt.Printf("OK: %d events verified\n", result.Events)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at seq %d: %s\n", result.ErrorSeq, result.Error)
	os.Exit(1)
	return nil
}
