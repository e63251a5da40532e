package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pvoronin/watchgate/internal/ledger"
	"github.com/pvoronin/watchgate/internal/pipeline"
	"github.com/pvoronin/watchgate/internal/sim"
)

var (
	runLedger      string
	runConfig      string
	runCorrelation string
	runTenant      string
	runWorkOrder   string
	runInputs      []string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLedger, "ledger", defaultLedgerPath(), "Path to ledger database")
	runCmd.Flags().StringVar(&runConfig, "config", "", "Path to pipeline YAML (defaults built in)")
	runCmd.Flags().StringVar(&runCorrelation, "correlation", "", "Correlation id (generated when empty)")
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "Tenant id for scoped dedupe")
	runCmd.Flags().StringVar(&runWorkOrder, "work-order", "", "Work order id for scoped dedupe")
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Turn input as key=value (repeatable)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline turn against the demo engine fleet",
	Long: "Runs a single turn through the declared pipeline using the built-in\n" +
		"deterministic engines, records every gate decision, and prints the result.",
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	inputs := map[string]string{}
	for _, kv := range runInputs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --input %q, want key=value", kv)
		}
		inputs[k] = v
	}

	store, err := ledger.Open(runLedger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	cfg, cfgHash, err := pipeline.LoadConfigWithHash(runConfig)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(store, sim.Engines(), cfg, cfgHash, nil)
	result, err := runner.RunTurn(context.Background(), pipeline.TurnRequest{
		CorrelationID: runCorrelation,
		TenantID:      runTenant,
		WorkOrderID:   runWorkOrder,
		Inputs:        inputs,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal turn result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
