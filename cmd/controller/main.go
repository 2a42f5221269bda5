package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/crankbird/crank/pkg/controller"
	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/mesh"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
)

// Exit codes (spec §6): 0 clean shutdown, 1 bootstrap failure. The
// controller does not register with anything, so no path exits with
// exitRegistrationFailed (2); a controller never revokes its own
// certificate, so exit code 3 does not apply to this binary either.
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
	Use:     "crank-controller",
	Short:   "Controller for the crank fleet runtime",
	Long:    "crank-controller tracks registered workers, routes capability dispatches, and enforces the admin privilege boundary.",
	Version: Version,
	RunE:    runController,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-controller version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("node-id", getEnvDefault("CONTROLLER_NODE_ID", "controller-1"), "This controller's node identity, used for local-first mesh routing")
	rootCmd.Flags().String("metrics-address", getEnvDefault("CONTROLLER_METRICS_ADDRESS", ":9090"), "Address to serve /metrics and /health/* on (plain HTTP)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runController(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("controller-main")

	nodeID, _ := cmd.Flags().GetString("node-id")
	metricsAddress, _ := cmd.Flags().GetString("metrics-address")

	cfg, err := controller.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	certDir := cfg.CertDir
	if certDir == "" {
		certDir, err = security.ResolveCertDir()
		if err != nil {
			return fmt.Errorf("resolve cert dir: %w", err)
		}
	}

	broker := events.NewBroker()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if !security.BundleExists(certDir) {
		logger.Info().Msg("no certificate bundle found, bootstrapping")
		if err := bootstrap(ctx, certDir, cfg.CAServiceURL, nodeID, broker); err != nil {
			cancel()
			logger.Error().Err(err).Msg("certificate bootstrap failed")
			os.Exit(exitBootstrapFailed)
		}
	}
	cancel()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	metrics.RegisterComponent("storage", true, "")

	registry, err := controller.NewRegistry(store, cfg, broker)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("ca", true, "") // reachability is verified on first revoke, not at startup

	router := controller.NewRouter(registry, nodeID, broker)

	clientFactory := security.NewClientFactory(certDir)
	caClient, err := clientFactory.Client()
	if err != nil {
		return fmt.Errorf("build CA client: %w", err)
	}

	srv := controller.NewServer(registry, router, cfg, broker, caClient)

	sweeper := controller.NewSweeper(registry, cfg)
	sweeper.Start()
	defer sweeper.Stop()

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	rotationFactory := security.NewClientFactory(certDir)
	rotation := security.NewRotationManager(certDir, security.BootstrapConfig{
		CAURL: cfg.CAServiceURL, Role: "controller", SubjectID: nodeID, Broker: broker,
	}, rotationFactory)
	rotation.Start()
	defer rotation.Stop()

	meshCfg, err := mesh.LoadConfig(nodeID)
	if err != nil {
		return fmt.Errorf("load mesh config: %w", err)
	}
	var exchanger *mesh.Exchanger
	var meshStore *mesh.PeerStore
	if len(meshCfg.PeerURLs) > 0 {
		meshStore = mesh.NewPeerStore()
		exchanger = mesh.NewExchanger(meshCfg, registry, caClient, meshStore, broker)
		exchanger.Start()
		defer exchanger.Stop()
		router.SetMeshSource(meshStore)
		logger.Info().Int("peer_count", len(meshCfg.PeerURLs)).Msg("mesh exchange enabled")
	}

	tlsConfig, err := security.NewServerTLSConfig(certDir, revocationAdapter{caClient: caClient, caURL: cfg.CAServiceURL})
	if err != nil {
		return fmt.Errorf("build server TLS config: %w", err)
	}

	mainRouter := mux.NewRouter()
	srv.Routes(mainRouter)
	if exchanger != nil {
		mesh.NewServer(exchanger, meshStore).Routes(mainRouter)
	}

	controlPlane := &http.Server{Addr: cfg.ListenAddress, Handler: mainRouter, TLSConfig: tlsConfig}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler())
	metricsRouter.HandleFunc("/health/live", metrics.LivenessHandler())
	metricsRouter.HandleFunc("/health/ready", metrics.ReadyHandler())
	metricsSrv := &http.Server{Addr: metricsAddress, Handler: metricsRouter}

	metrics.SetVersion(Version)

	serveErrCh := make(chan error, 2)
	go func() {
		logger.Info().Str("address", cfg.ListenAddress).Msg("control plane listening")
		if err := controlPlane.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()
	go func() {
		logger.Info().Str("address", metricsAddress).Msg("metrics/health listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		return fmt.Errorf("controller server failed: %w", err)
	case <-sigCh:
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = controlPlane.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	os.Exit(exitOK)
	return nil
}

// bootstrap performs the same trust-on-first-use exchange pkg/worker
// uses: an unauthenticated fetch of the CA's root (spec §6: "GET /v1/ca
// ... server-auth only, used once during trust bootstrap"), followed by
// a CSR submission chained to that root.
func bootstrap(ctx context.Context, certDir, caURL, nodeID string, broker *events.Broker) error {
	insecureClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec // trust-on-first-use
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, caURL+"/v1/ca", nil)
	if err != nil {
		return err
	}
	resp, err := insecureClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CA returned status %d", resp.StatusCode)
	}
	var out struct {
		CACertPEM string `json:"ca_cert_pem"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	bundle, err := security.Bootstrap(ctx, security.BootstrapConfig{
		CAURL:     caURL,
		CARootPEM: []byte(out.CACertPEM),
		Role:      "controller",
		SubjectID: nodeID,
		Broker:    broker,
	})
	if err != nil {
		return err
	}
	return security.SaveBundle(certDir, bundle)
}

// revocationAdapter lets the controller's own server TLS listener
// consult the CA's revocation list during the mTLS handshake, even
// though the list itself is owned by a separate process.
type revocationAdapter struct {
	caClient *http.Client
	caURL    string
}

func (a revocationAdapter) IsRevoked(serial string) bool {
	resp, err := a.caClient.Get(a.caURL + "/v1/revocations")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var out struct {
		Serials []string `json:"serials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	for _, s := range out.Serials {
		if s == serial {
			return true
		}
	}
	return false
}
