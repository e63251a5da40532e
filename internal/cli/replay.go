package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvoronin/watchgate/internal/ledger"
	"github.com/pvoronin/watchgate/internal/replay"
)

var (
	replayLedger string
	replayTurn   string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayLedger, "ledger", defaultLedgerPath(), "Path to ledger database")
	replayCmd.Flags().StringVar(&replayTurn, "turn", "", "Narrow to one turn id")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay <correlation-id>",
	Short: "Replay gate decisions for an orchestration run",
	Long: "Reads the ledger, filters by correlation id (optionally one turn and a\n" +
		"time range), and renders the decision timeline with summary. The order is\n" +
		"deterministic: identical ledgers always replay identically.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := replay.Filter{CorrelationID: args[0], TurnID: replayTurn}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	store, err := ledger.Open(replayLedger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	result, err := replay.Read(context.Background(), store, filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := replay.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(replay.FormatTimeline(result))
	}

	return nil
}
