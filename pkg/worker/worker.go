package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/types"
)

// consecutiveFailureThreshold is how many heartbeat failures in a row
// before a worker treats itself as disconnected and re-registers (spec
// §4.4).
const consecutiveFailureThreshold = 2

// ErrRegistrationRejected is returned by Run when the controller
// permanently refuses this worker's registration (HTTP 409, e.g. a
// fingerprint change on a still-HEALTHY registration per spec §9).
// cmd/worker maps this to exit code 2 rather than retrying.
var ErrRegistrationRejected = errors.New("controller permanently rejected registration")

// Worker is the runtime base every capability process embeds: it owns
// certificate bootstrap, registration, heartbeat, the mTLS listener, and
// graceful shutdown. Capability-specific behavior lives entirely behind
// the CapabilityHandler hook.
type Worker struct {
	cfg     *Config
	handler CapabilityHandler
	broker  *events.Broker
	logger  zerolog.Logger

	factory  *security.ClientFactory
	rotation *security.RotationManager
	listener net.Listener
	server   *http.Server

	mu               sync.Mutex
	token            string
	consecutiveFails int
	registered       bool

	stopCh  chan struct{}
	fatalCh chan error
}

// New constructs a Worker. broker may be nil.
func New(cfg *Config, handler CapabilityHandler, broker *events.Broker) *Worker {
	return &Worker{
		cfg:     cfg,
		handler: handler,
		broker:  broker,
		logger:  log.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
		factory: security.NewClientFactory(cfg.CertDir),
		stopCh:  make(chan struct{}),
		fatalCh: make(chan error, 1),
	}
}

// Run executes the worker's full lifecycle: certificate bootstrap,
// registration, the heartbeat loop, and the mTLS listener, blocking
// until ctx is cancelled (typically by a signal handler in cmd/worker).
// It returns nil only after a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureCertificate(ctx); err != nil {
		return fmt.Errorf("certificate bootstrap: %w", err)
	}
	metrics.RegisterComponent("certificate", true, "")

	w.rotation = security.NewRotationManager(w.cfg.CertDir, security.BootstrapConfig{
		CAURL:     w.cfg.CAServiceURL,
		Role:      "worker",
		SubjectID: w.cfg.WorkerID,
		Broker:    w.broker,
	}, w.factory)
	w.rotation.Start()

	if err := w.handler.OnStartup(ctx); err != nil {
		return fmt.Errorf("capability startup: %w", err)
	}

	if err := w.register(ctx); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	if err := w.startListener(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	go w.heartbeatLoop()

	select {
	case <-ctx.Done():
		return w.shutdown()
	case err := <-w.fatalCh:
		_ = w.shutdown()
		return err
	}
}

func (w *Worker) ensureCertificate(ctx context.Context) error {
	if security.BundleExists(w.cfg.CertDir) {
		return nil
	}

	caRoot, err := fetchCARoot(ctx, w.cfg.CAServiceURL)
	if err != nil {
		return fmt.Errorf("fetch CA root: %w", err)
	}

	bundle, err := security.Bootstrap(ctx, security.BootstrapConfig{
		CAURL:     w.cfg.CAServiceURL,
		CARootPEM: caRoot,
		Role:      "worker",
		SubjectID: w.cfg.WorkerID,
		Broker:    w.broker,
	})
	if err != nil {
		return err
	}
	return security.SaveBundle(w.cfg.CertDir, bundle)
}

// fetchCARoot performs the trust-on-first-use exchange spec §6 describes
// for GET /v1/ca: "server-auth only, used once during trust bootstrap".
// There is no prior trust anchor to verify the CA's presented
// certificate against at this point, so the handshake is deliberately
// unauthenticated; everything issued after this call is chained back to
// the fetched root and verified normally.
func fetchCARoot(ctx context.Context, caURL string) ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec // trust-on-first-use, see doc comment
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, caURL+"/v1/ca", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CA returned status %d", resp.StatusCode)
	}
	var out struct {
		CACertPEM string `json:"ca_cert_pem"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return []byte(out.CACertPEM), nil
}

type registerRequest struct {
	WorkerID     string                       `json:"worker_id"`
	Endpoint     string                       `json:"endpoint"`
	Capabilities []types.CapabilityDefinition `json:"capabilities"`
	NodeAffinity string                       `json:"node_affinity,omitempty"`
}

type registerResponse struct {
	Token string            `json:"token"`
	State types.WorkerState `json:"state"`
}

// register submits a registration to the controller over mTLS, storing
// the returned token for subsequent heartbeats.
func (w *Worker) register(ctx context.Context) error {
	client, err := w.factory.Client()
	if err != nil {
		return err
	}

	body, err := json.Marshal(registerRequest{
		WorkerID:     w.cfg.WorkerID,
		Endpoint:     w.cfg.ListenAddress,
		Capabilities: w.handler.Capabilities(),
		NodeAffinity: w.cfg.NodeAffinity,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.ControllerURL+"/v1/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrRegistrationRejected
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("controller rejected registration with status %d", resp.StatusCode)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	w.mu.Lock()
	w.token = out.Token
	w.registered = true
	w.consecutiveFails = 0
	w.mu.Unlock()

	metrics.RegisterComponent("registration", true, "")
	w.publish(events.EventWorkerRegistered, "registered with controller")
	w.logger.Info().Msg("registered with controller")
	return nil
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval. After
// consecutiveFailureThreshold consecutive failures it re-registers;
// an immediate 404 also triggers re-registration (spec §4.4).
func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sendHeartbeat()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) sendHeartbeat() {
	client, err := w.factory.Client()
	if err != nil {
		w.recordHeartbeatFailure(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/workers/%s/heartbeat", w.cfg.ControllerURL, w.cfg.WorkerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		w.recordHeartbeatFailure(err)
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		w.recordHeartbeatFailure(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		w.logger.Warn().Msg("controller does not recognize this worker, re-registering")
		w.reregister()
		return
	}
	if resp.StatusCode != http.StatusNoContent {
		w.recordHeartbeatFailure(fmt.Errorf("heartbeat returned status %d", resp.StatusCode))
		return
	}

	w.mu.Lock()
	w.consecutiveFails = 0
	w.mu.Unlock()
	metrics.RegisterComponent("registration", true, "")
	w.publish(events.EventWorkerHeartbeat, "heartbeat sent")
}

func (w *Worker) recordHeartbeatFailure(err error) {
	w.mu.Lock()
	w.consecutiveFails++
	fails := w.consecutiveFails
	w.mu.Unlock()

	w.logger.Warn().Err(err).Int("consecutive_failures", fails).Msg("heartbeat failed")
	if fails >= consecutiveFailureThreshold {
		metrics.RegisterComponent("registration", false, "disconnected from controller")
		w.reregister()
	}
}

func (w *Worker) reregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.register(ctx); err != nil {
		w.logger.Error().Err(err).Msg("re-registration failed")
		if errors.Is(err, ErrRegistrationRejected) {
			select {
			case w.fatalCh <- err:
			default:
			}
		}
	}
}

// startListener builds the worker's mTLS server: capability routes from
// the handler, plus the worker's own liveness/readiness endpoints.
func (w *Worker) startListener() error {
	tlsConfig, err := security.NewServerTLSConfig(w.cfg.CertDir, nil)
	if err != nil {
		return err
	}

	listener, err := tls.Listen("tcp", w.cfg.ListenAddress, tlsConfig)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.HandleFunc("/health/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", metrics.ReadyHandlerFor([]string{"certificate", "registration"})).Methods(http.MethodGet)
	w.handler.SetupRoutes(router)

	w.listener = listener
	w.server = &http.Server{Handler: router}

	go func() {
		if err := w.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			w.logger.Error().Err(err).Msg("capability listener stopped")
		}
	}()
	return nil
}

// shutdown implements spec §4.4's graceful-shutdown sequence: stop
// accepting new heartbeats, let the capability handler drain in-flight
// work within ShutdownGrace, deregister, then release connections.
func (w *Worker) shutdown() error {
	close(w.stopCh)

	if w.rotation != nil {
		w.rotation.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()

	if err := w.handler.OnShutdown(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("capability shutdown did not complete cleanly")
	}

	if w.server != nil {
		_ = w.server.Shutdown(ctx)
	}

	w.deregister(ctx)

	w.logger.Info().Msg("worker shut down cleanly")
	return nil
}

func (w *Worker) deregister(ctx context.Context) {
	w.mu.Lock()
	registered := w.registered
	w.mu.Unlock()
	if !registered {
		return
	}

	client, err := w.factory.Client()
	if err != nil {
		w.logger.Warn().Err(err).Msg("could not build client for deregistration")
		return
	}

	url := fmt.Sprintf("%s/v1/workers/%s", w.cfg.ControllerURL, w.cfg.WorkerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Msg("deregistration request failed")
		return
	}
	defer resp.Body.Close()
}

func (w *Worker) publish(eventType events.EventType, message string) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"worker_id": w.cfg.WorkerID},
	})
}
