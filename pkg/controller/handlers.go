package controller

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/ca"
	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/types"
)

// Server is the controller's HTTP surface: worker-facing registration,
// heartbeat and deregistration, the dispatch endpoint, and an
// admin-only surface for listing and revoking workers (spec §6).
//
// The certificate fingerprint a worker binds to at registration is its
// leaf certificate's serial number, so the same value Registry stores
// as CertificateFingerprint doubles as the serial the CA needs to
// revoke.
type Server struct {
	registry *Registry
	router   *Router
	auditor  *Auditor
	caClient *http.Client
	caURL    string
	broker   *events.Broker
	logger   zerolog.Logger
	inflight chan struct{}
}

// NewServer wires a controller HTTP server. caClient is used only to
// call the CA's revocation endpoint on an admin-initiated worker
// revoke; it should be built with mTLS client credentials.
func NewServer(registry *Registry, router *Router, cfg *Config, broker *events.Broker, caClient *http.Client) *Server {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1024
	}
	return &Server{
		registry: registry,
		router:   router,
		auditor:  NewAuditor(),
		caClient: caClient,
		caURL:    cfg.CAServiceURL,
		broker:   broker,
		logger:   log.WithComponent("controller"),
		inflight: make(chan struct{}, maxInFlight),
	}
}

// Routes registers the controller's endpoints on router. router must be
// served behind mTLS; handlers assume r.TLS.PeerCertificates[0] exists.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/v1/workers/register", s.withBackpressure(s.handleRegister)).Methods(http.MethodPost)
	router.HandleFunc("/v1/workers/{id}/heartbeat", s.withBackpressure(s.handleHeartbeat)).Methods(http.MethodPost)
	router.HandleFunc("/v1/workers/{id}", s.withBackpressure(s.handleDeregister)).Methods(http.MethodDelete)
	router.HandleFunc("/v1/workers", s.adminOnly(s.handleListWorkers)).Methods(http.MethodGet)
	router.HandleFunc("/v1/workers/{id}/revoke", s.adminOnly(s.handleRevoke)).Methods(http.MethodPost)
	router.HandleFunc("/v1/dispatch", s.withBackpressure(s.handleDispatch)).Methods(http.MethodPost)
	router.HandleFunc("/health/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
}

// withBackpressure enforces spec §5's in-flight request ceiling,
// returning 429 once cfg.MaxInFlight concurrent requests are in
// progress rather than queueing unboundedly.
func (s *Server) withBackpressure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.inflight <- struct{}{}:
		default:
			writeJSONError(w, http.StatusTooManyRequests, "controller is at capacity")
			return
		}
		defer func() { <-s.inflight }()
		next(w, r)
	}
}

// adminOnly enforces the privilege boundary of spec §4.5.5: only
// requests bearing a certificate carrying the admin extension may reach
// the wrapped handler. Every decision is audited.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cert := peerCertificate(r)
		if cert == nil {
			s.auditor.Denied(AuditUntrustedCertificate, r.URL.Path, r.RemoteAddr, "")
			writeJSONError(w, http.StatusForbidden, "client certificate required")
			return
		}
		if !ca.IsAdminCertificate(cert) {
			s.auditor.Denied(AuditInsufficientPrivilege, r.URL.Path, r.RemoteAddr, cert.Subject.CommonName)
			writeJSONError(w, http.StatusForbidden, "admin privilege required")
			return
		}
		s.auditor.Allowed(r.URL.Path, r.RemoteAddr, cert.Subject.CommonName)
		next(w, r)
	}
}

func peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
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

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	cert := peerCertificate(r)
	if cert == nil {
		writeJSONError(w, http.StatusUnauthorized, "client certificate required")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed registration request")
		return
	}

	reg := &types.WorkerRegistration{
		WorkerID:     req.WorkerID,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		NodeAffinity: req.NodeAffinity,
	}

	token, state, err := s.registry.Register(reg, cert.SerialNumber.String())
	if err != nil {
		if rejected, ok := err.(*RegistrationRejectedError); ok {
			writeJSONError(w, http.StatusConflict, rejected.Error())
			return
		}
		s.logger.Error().Err(err).Str("worker_id", req.WorkerID).Msg("registration failed")
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Token: token, State: state})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if err := s.registry.Heartbeat(workerID); err != nil {
		if err == ErrUnknownWorker {
			writeJSONError(w, http.StatusNotFound, "unknown worker")
			return
		}
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("heartbeat failed")
		writeJSONError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if err := s.registry.Deregister(workerID, "graceful shutdown"); err != nil {
		if err == ErrUnknownWorker {
			writeJSONError(w, http.StatusNotFound, "unknown worker")
			return
		}
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("deregister failed")
		writeJSONError(w, http.StatusInternalServerError, "deregister failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.ListWorkers()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list workers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*types.WorkerRegistration{"workers": workers})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	worker, ok := s.registry.GetWorker(workerID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown worker")
		return
	}

	if worker.CertificateFingerprint != "" {
		if err := s.revokeWithCA(worker.CertificateFingerprint); err != nil {
			s.logger.Error().Err(err).Str("worker_id", workerID).Msg("CA revocation failed")
			writeJSONError(w, http.StatusBadGateway, "CA revocation failed")
			return
		}
	}

	if err := s.registry.Revoke(workerID); err != nil {
		if err == ErrUnknownWorker {
			writeJSONError(w, http.StatusNotFound, "unknown worker")
			return
		}
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("registry revoke failed")
		writeJSONError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type caRevokeRequest struct {
	Serial string `json:"serial"`
}

// revokeWithCA instructs the CA service to revoke serial, per spec
// §4.5.6 ("on revoke: controller instructs CA to revoke").
func (s *Server) revokeWithCA(serial string) error {
	if s.caClient == nil {
		return fmt.Errorf("no CA client configured")
	}
	body, err := json.Marshal(caRevokeRequest{Serial: serial})
	if err != nil {
		return err
	}
	resp, err := s.caClient.Post(s.caURL+"/v1/revocations", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("CA returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req types.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CapabilityID == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed dispatch request")
		return
	}

	metrics.InFlightDispatches.Inc()
	defer metrics.InFlightDispatches.Dec()

	result, err := s.router.Dispatch(&req)
	if err != nil {
		if _, ok := err.(*UnsatisfiedCapabilityError); ok {
			writeJSON(w, http.StatusConflict, result)
			return
		}
		if ipErr, ok := err.(*InvalidPayloadError); ok {
			s.logger.Warn().Err(ipErr).Str("capability_id", req.CapabilityID).Msg("dispatch rejected: invalid payload")
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		s.logger.Error().Err(err).Str("capability_id", req.CapabilityID).Msg("dispatch failed")
		writeJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
