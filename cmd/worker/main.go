package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/worker"
	"github.com/crankbird/crank/pkg/worker/echo"
)

// Exit codes (spec §6): 0 clean shutdown, 1 bootstrap failure,
// 2 controller registration permanently rejected. A worker never holds
// CA signing material, so exit code 3 does not apply to this binary.
const (
	exitOK                 = 0
	exitBootstrapFailed    = 1
	exitRegistrationFailed = 2
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitBootstrapFailed)
	}
}

var rootCmd = &cobra.Command{
	Use:     "crank-worker",
	Short:   "Worker runtime for the crank fleet runtime",
	Long:    "crank-worker bootstraps a certificate, registers with the controller, and presents its capabilities behind an mTLS listener.",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-worker version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("worker-main")

	cfg, err := worker.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics.SetVersion(Version)

	broker := events.NewBroker()

	handler, err := echo.New()
	if err != nil {
		return fmt.Errorf("build capability handler: %w", err)
	}

	w := worker.New(cfg, handler, broker)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	runErr := w.Run(ctx)
	cancel()

	if runErr == nil {
		os.Exit(exitOK)
	}
	if errors.Is(runErr, worker.ErrRegistrationRejected) {
		logger.Error().Err(runErr).Msg("controller permanently rejected registration")
		os.Exit(exitRegistrationFailed)
	}
	logger.Error().Err(runErr).Msg("worker exited with error")
	os.Exit(exitBootstrapFailed)
	return nil
}
