package controller

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/crankbird/crank/pkg/ca"
	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
	"github.com/crankbird/crank/pkg/types"
)

func newTestAuthority(t *testing.T) *ca.CertAuthority {
	t.Helper()
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("controller-test")); err != nil {
		t.Fatalf("SetClusterEncryptionKey: %v", err)
	}
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	authority := ca.NewCertAuthority(store)
	if err := authority.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return authority
}

func issueLeaf(t *testing.T, authority *ca.CertAuthority, role ca.Role, commonName string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: commonName}}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	leafPEM, _, err := authority.Issue(csrPEM, role, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	block, _ := pem.Decode(leafPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return leaf
}

func withPeerCert(req *http.Request, cert *x509.Certificate) *http.Request {
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	return req
}

func newTestServer(t *testing.T) (*Server, *Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	router := NewRouter(registry, "", nil)
	cfg := &Config{MaxInFlight: 1024}
	srv := NewServer(registry, router, cfg, nil, nil)
	return srv, registry
}

func TestHandlers_RegisterRequiresClientCertificate(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(registerRequest{WorkerID: "worker-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleRegister(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandlers_RegisterAndHeartbeat(t *testing.T) {
	authority := newTestAuthority(t)
	leaf := issueLeaf(t, authority, ca.RoleWorker, "worker:worker-1")

	srv, registry := newTestServer(t)

	body, _ := json.Marshal(registerRequest{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	})
	req := withPeerCert(httptest.NewRequest(http.MethodPost, "/v1/workers/register", bytes.NewReader(body)), leaf)
	rec := httptest.NewRecorder()
	srv.handleRegister(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a registration token")
	}

	heartbeatReq := httptest.NewRequest(http.MethodPost, "/v1/workers/worker-1/heartbeat", nil)
	heartbeatReq = mux.SetURLVars(heartbeatReq, map[string]string{"id": "worker-1"})
	heartbeatRec := httptest.NewRecorder()
	srv.handleHeartbeat(heartbeatRec, heartbeatReq)
	if heartbeatRec.Code != http.StatusNoContent {
		t.Errorf("heartbeat status = %d, want 204", heartbeatRec.Code)
	}

	w, ok := registry.GetWorker("worker-1")
	if !ok || w.State != types.WorkerStateHealthy {
		t.Errorf("expected worker-1 to be HEALTHY after heartbeat, got %+v", w)
	}
}

func TestHandlers_AdminOnly_RejectsWorkerCertificate(t *testing.T) {
	authority := newTestAuthority(t)
	leaf := issueLeaf(t, authority, ca.RoleWorker, "worker:worker-1")

	srv, _ := newTestServer(t)
	req := withPeerCert(httptest.NewRequest(http.MethodGet, "/v1/workers", nil), leaf)
	rec := httptest.NewRecorder()

	srv.adminOnly(srv.handleListWorkers)(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandlers_AdminOnly_AllowsAdminCertificate(t *testing.T) {
	authority := newTestAuthority(t)
	leaf := issueLeaf(t, authority, ca.RoleAdmin, "admin:ops-1")

	srv, _ := newTestServer(t)
	req := withPeerCert(httptest.NewRequest(http.MethodGet, "/v1/workers", nil), leaf)
	rec := httptest.NewRecorder()

	srv.adminOnly(srv.handleListWorkers)(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlers_Dispatch(t *testing.T) {
	authority := newTestAuthority(t)
	leaf := issueLeaf(t, authority, ca.RoleWorker, "worker:worker-1")

	srv, registry := newTestServer(t)
	regBody, _ := json.Marshal(registerRequest{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	})
	registerReq := withPeerCert(httptest.NewRequest(http.MethodPost, "/v1/workers/register", bytes.NewReader(regBody)), leaf)
	srv.handleRegister(httptest.NewRecorder(), registerReq)
	if err := registry.Heartbeat("worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	dispatchBody, _ := json.Marshal(types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	dispatchReq := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewReader(dispatchBody))
	rec := httptest.NewRecorder()
	srv.handleDispatch(rec, dispatchReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result types.JobResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", result.WorkerID)
	}
}
