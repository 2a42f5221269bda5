package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInitializeCA(t *testing.T) {
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey: %v", err)
	}

	authority := NewCertAuthority(newTestStore(t))
	if err := authority.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !authority.IsInitialized() {
		t.Error("CA should report initialized")
	}
	if authority.rootCert == nil || authority.rootKey == nil {
		t.Fatal("root cert/key should be populated")
	}
	if !authority.rootCert.IsCA {
		t.Error("root certificate should be a CA")
	}
}

func TestSaveLoadFromStore_RoundTrip(t *testing.T) {
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey: %v", err)
	}

	store := newTestStore(t)
	authority := NewCertAuthority(store)
	if err := authority.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := authority.SaveToStore(); err != nil {
		t.Fatalf("SaveToStore: %v", err)
	}

	reloaded := NewCertAuthority(store)
	if err := reloaded.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore: %v", err)
	}
	if reloaded.rootCert.SerialNumber.Cmp(authority.rootCert.SerialNumber) != 0 {
		t.Error("reloaded root certificate serial should match the original")
	}
}

func generateCSR(t *testing.T, commonName string, dnsNames []string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func newInitializedCA(t *testing.T) *CertAuthority {
	t.Helper()
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey: %v", err)
	}
	authority := NewCertAuthority(newTestStore(t))
	if err := authority.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return authority
}

func TestIssue_Valid(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "worker:worker-7f2a", []string{"worker-7f2a.internal"})

	leafPEM, caPEM, err := authority.Issue(csrPEM, RoleWorker, 24*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(leafPEM) == 0 || len(caPEM) == 0 {
		t.Fatal("expected non-empty leaf and CA PEM")
	}

	block, _ := pem.Decode(leafPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse issued leaf: %v", err)
	}
	if leaf.Subject.CommonName != "worker:worker-7f2a" {
		t.Errorf("unexpected subject: %s", leaf.Subject.CommonName)
	}
}

func TestIssue_AdminRoleCarriesExtension(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "admin:ops-1", nil)

	leafPEM, _, err := authority.Issue(csrPEM, RoleAdmin, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	block, _ := pem.Decode(leafPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse issued leaf: %v", err)
	}
	if !IsAdminCertificate(leaf) {
		t.Error("expected admin-issued leaf to carry the admin extension")
	}
}

func TestIssue_WorkerRoleHasNoAdminExtension(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "worker:worker-1", nil)

	leafPEM, _, err := authority.Issue(csrPEM, RoleWorker, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	block, _ := pem.Decode(leafPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse issued leaf: %v", err)
	}
	if IsAdminCertificate(leaf) {
		t.Error("a worker-issued leaf must not carry the admin extension")
	}
}

func TestIssue_RejectsRoleMismatch(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "controller:ctrl-1", nil)

	if _, _, err := authority.Issue(csrPEM, RoleWorker, 0); err == nil {
		t.Fatal("expected role/subject mismatch to be rejected")
	} else if _, ok := err.(*CSRRejectedError); !ok {
		t.Errorf("expected a *CSRRejectedError, got %T", err)
	}
}

func TestIssue_RejectsWildcardSAN(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "worker:worker-1", []string{"*.internal"})

	if _, _, err := authority.Issue(csrPEM, RoleWorker, 0); err == nil {
		t.Fatal("expected wildcard SAN to be rejected")
	}
}

func TestIssue_RejectsMalformedCSR(t *testing.T) {
	authority := newInitializedCA(t)
	if _, _, err := authority.Issue([]byte("not a csr"), RoleWorker, 0); err == nil {
		t.Fatal("expected malformed CSR to be rejected")
	}
}

func TestRevokeAndIsRevoked(t *testing.T) {
	authority := newInitializedCA(t)
	csrPEM := generateCSR(t, "worker:worker-1", nil)
	leafPEM, _, err := authority.Issue(csrPEM, RoleWorker, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	block, _ := pem.Decode(leafPEM)
	leaf, _ := x509.ParseCertificate(block.Bytes)
	serial := leaf.SerialNumber.String()

	if authority.IsRevoked(serial) {
		t.Fatal("serial should not be revoked yet")
	}
	if err := authority.Revoke(serial); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !authority.IsRevoked(serial) {
		t.Error("serial should be revoked after Revoke")
	}

	found := false
	for _, s := range authority.ListRevoked() {
		if s == serial {
			found = true
		}
	}
	if !found {
		t.Error("ListRevoked should include the revoked serial")
	}
}
