package ca

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
)

// CA listener is server-auth-only for /v1/csr and /v1/ca, which must be
// reachable by clients that hold no certificate yet. Revocation is a
// privileged operation, so the listener is configured with
// tls.RequestClientCert (see cmd/ca) and this middleware requires the
// presented certificate to carry the admin extension (spec §4.5.5's
// privilege boundary, applied here too).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("revocation denied: no client certificate presented")
			writeJSONError(w, http.StatusForbidden, "client certificate required")
			return
		}
		cert := r.TLS.PeerCertificates[0]
		if !IsAdminCertificate(cert) {
			s.logger.Warn().Str("remote_addr", r.RemoteAddr).Str("subject", cert.Subject.CommonName).Msg("revocation denied: admin privilege required")
			writeJSONError(w, http.StatusForbidden, "admin privilege required")
			return
		}
		next(w, r)
	}
}

// Server exposes the CA over HTTPS: POST /v1/csr, GET /v1/ca, GET and
// POST /v1/revocations.
type Server struct {
	ca     *CertAuthority
	broker *events.Broker
	logger zerolog.Logger
}

// NewServer wraps ca for HTTP use. broker may be nil.
func NewServer(ca *CertAuthority, broker *events.Broker) *Server {
	metrics.RegisterComponent("ca", ca.IsInitialized(), "")
	return &Server{ca: ca, broker: broker, logger: log.WithComponent("ca")}
}

// Routes registers the CA's endpoints on router.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/v1/csr", s.handleCSR).Methods(http.MethodPost)
	router.HandleFunc("/v1/ca", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/v1/revocations", s.handleListRevocations).Methods(http.MethodGet)
	router.HandleFunc("/v1/revocations", s.adminOnly(s.handleRevoke)).Methods(http.MethodPost)
	router.HandleFunc("/health/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
}

type csrRequest struct {
	CSRPEM          string `json:"csr_pem"`
	Role            string `json:"role"`
	ValiditySeconds int    `json:"validity_seconds,omitempty"`
}

type csrResponse struct {
	LeafCertPEM string `json:"leaf_cert_pem"`
	CACertPEM   string `json:"ca_cert_pem"`
}

func (s *Server) publish(eventType events.EventType, message string, meta map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: meta})
}

func (s *Server) handleCSR(w http.ResponseWriter, r *http.Request) {
	var req csrRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	role := Role(req.Role)
	if role != RoleController && role != RoleWorker && role != RoleAdmin {
		writeJSONError(w, http.StatusBadRequest, "role must be \"controller\", \"worker\", or \"admin\"")
		return
	}

	var validity time.Duration
	if req.ValiditySeconds > 0 {
		validity = time.Duration(req.ValiditySeconds) * time.Second
	}

	leafPEM, caPEM, err := s.ca.Issue([]byte(req.CSRPEM), role, validity)
	if err != nil {
		metrics.CSRFailures.Inc()
		s.publish(events.EventCSRFailed, err.Error(), map[string]string{"role": req.Role})
		if _, ok := err.(*CSRRejectedError); ok {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("CSR issuance failed")
		writeJSONError(w, http.StatusInternalServerError, "CSR issuance failed")
		return
	}

	metrics.CertificatesIssued.WithLabelValues(req.Role).Inc()
	s.publish(events.EventCertIssued, "certificate issued", map[string]string{"role": req.Role})

	writeJSON(w, http.StatusOK, csrResponse{LeafCertPEM: string(leafPEM), CACertPEM: string(caPEM)})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	rootPEM := s.ca.RootCertPEM()
	if rootPEM == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "CA not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ca_cert_pem": string(rootPEM)})
}

func (s *Server) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"serials": s.ca.ListRevoked()})
}

type revokeRequest struct {
	Serial string `json:"serial"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Serial == "" {
		writeJSONError(w, http.StatusBadRequest, "serial is required")
		return
	}

	if err := s.ca.Revoke(req.Serial); err != nil {
		s.logger.Error().Err(err).Str("serial", req.Serial).Msg("revoke failed")
		writeJSONError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	metrics.CertificatesRevoked.Inc()
	s.publish(events.EventCertRotated, "certificate revoked", map[string]string{"serial": req.Serial})
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
