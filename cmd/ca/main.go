package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/crankbird/crank/pkg/ca"
	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
)

// Exit codes (spec §6): 0 clean shutdown, 1 bootstrap failure,
// 3 fatal signing-key access error. The CA never rejects its own
// registration, so exit code 2 does not apply to this binary.
const (
	exitOK              = 0
	exitBootstrapFailed = 1
	exitSigningKeyError = 3
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
	Use:     "crank-ca",
	Short:   "Certificate authority for the crank fleet runtime",
	Long:    "crank-ca issues, rotates and revokes the leaf certificates every controller and worker authenticates with.",
	Version: Version,
	RunE:    runCA,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-ca version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("listen-address", getEnvDefault("CA_LISTEN_ADDRESS", ":8443"), "Address to serve the CA's HTTPS API on")
	rootCmd.Flags().String("data-dir", getEnvDefault("CA_DATA_DIR", "/var/lib/crank/ca"), "Directory holding the CA's BoltDB store")
	rootCmd.Flags().String("cluster-id", os.Getenv("CRANK_CLUSTER_ID"), "Cluster identifier the at-rest encryption key is derived from")

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

// selfIssuedServerCert signs a controller-role leaf for the CA's own
// HTTPS listener, so a client that already trusts the CA root (whether
// pre-provisioned or fetched once via GET /v1/ca) can verify every
// subsequent connection to this service, including GET /v1/ca itself.
func selfIssuedServerCert(authority *ca.CertAuthority) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "controller:ca-server"}}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	leafPEM, _, err := authority.Issue(csrPEM, ca.RoleController, 0)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return tls.X509KeyPair(leafPEM, keyPEM)
}

func runCA(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("ca-main")

	listenAddress, _ := cmd.Flags().GetString("listen-address")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	if clusterID == "" {
		return fmt.Errorf("--cluster-id (or CRANK_CLUSTER_ID) is required")
	}

	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
		logger.Error().Err(err).Msg("failed to derive at-rest encryption key")
		os.Exit(exitSigningKeyError)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	broker := events.NewBroker()
	authority := ca.NewCertAuthority(store)

	if err := authority.LoadFromStore(); err != nil {
		if !strings.Contains(err.Error(), "not found") {
			logger.Error().Err(err).Msg("failed to load CA signing key")
			os.Exit(exitSigningKeyError)
		}
		logger.Info().Msg("no existing CA material found, generating a new root")
		if err := authority.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		if err := authority.SaveToStore(); err != nil {
			logger.Error().Err(err).Msg("failed to persist new CA signing key")
			os.Exit(exitSigningKeyError)
		}
	}
	if err := authority.LoadRevokedFromStore(); err != nil {
		return fmt.Errorf("load revocation list: %w", err)
	}

	metrics.SetVersion(Version)

	router := mux.NewRouter()
	ca.NewServer(authority, broker).Routes(router)
	router.Handle("/metrics", metrics.Handler())

	serverCert, err := selfIssuedServerCert(authority)
	if err != nil {
		return fmt.Errorf("issue CA server certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AppendCertsFromPEM(authority.RootCertPEM())

	srv := &http.Server{
		Addr:    listenAddress,
		Handler: router,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			MinVersion:   tls.VersionTLS12,
			// /v1/csr and /v1/ca must stay reachable by clients with no
			// certificate yet (bootstrap), so the CA only requests a
			// client cert, never requires one; POST /v1/revocations
			// enforces the admin check itself once a cert is presented.
			ClientAuth: tls.RequestClientCert,
			ClientCAs:  rootPool,
		},
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddress).Msg("CA service listening")
		if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		return fmt.Errorf("CA server failed: %w", err)
	case <-sigCh:
		logger.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("CA server did not shut down cleanly")
	}

	os.Exit(exitOK)
	return nil
}
