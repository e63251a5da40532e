package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvoronin/watchgate/internal/ledger"
	"github.com/pvoronin/watchgate/internal/pipeline"
	"github.com/pvoronin/watchgate/internal/server"
	"github.com/pvoronin/watchgate/internal/sim"
)

var (
	servePort    int
	serveLedger  string
	serveConfig  string
	serveVerbose bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 8640, "HTTP listen port")
	serveCmd.Flags().StringVar(&serveLedger, "ledger", defaultLedgerPath(), "Path to ledger database")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to pipeline YAML (defaults built in)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Human-readable logs")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Long: "Runs the orchestrator over HTTP: submit turns, read events, replay a\n" +
		"correlation, and verify the ledger chain. The pipeline table hot-reloads\n" +
		"on config file change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger(serveVerbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := ledger.Open(serveLedger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	cfg, cfgHash, err := pipeline.LoadConfigWithHash(serveConfig)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(store, sim.Engines(), cfg, cfgHash, log)
	srv := server.New(server.Config{Port: servePort, ConfigPath: serveConfig}, store, runner, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader, err := server.NewReloader(srv, serveConfig, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv.Serve()
}

// defaultLedgerPath is ~/.watchgate/ledger.db, falling back to the working
// directory when the home directory is unknown.
func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return home + "/.watchgate/ledger.db"
}
