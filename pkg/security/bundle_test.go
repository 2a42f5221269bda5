package security_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/crankbird/crank/pkg/ca"
	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
	"github.com/crankbird/crank/pkg/types"
)

func issueTestBundle(t *testing.T) *types.CertificateBundle {
	t.Helper()

	storeDir := t.TempDir()
	store, err := storage.NewBoltStore(storeDir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authority := ca.NewCertAuthority(store)
	if err := authority.Initialize(); err != nil {
		t.Fatalf("Initialize CA: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	csrTemplate := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "worker:test-worker"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest: %v", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	leafPEM, caPEM, err := authority.Issue(csrPEM, ca.RoleWorker, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	leaf, err := security.ParseLeafCertificate(leafPEM)
	if err != nil {
		t.Fatalf("ParseLeafCertificate: %v", err)
	}

	return &types.CertificateBundle{
		ClientCertPEM: leafPEM,
		ClientKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		CACertPEM:     caPEM,
		NotAfter:      leaf.NotAfter,
		Serial:        leaf.SerialNumber.String(),
	}
}

func TestSaveLoadBundle_RoundTrip(t *testing.T) {
	bundle := issueTestBundle(t)
	dir := t.TempDir()

	if err := security.SaveBundle(dir, bundle); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	if !security.BundleExists(dir) {
		t.Fatal("expected BundleExists to report true after SaveBundle")
	}

	keyInfo, err := os.Stat(filepath.Join(dir, "client.key"))
	if err != nil {
		t.Fatalf("stat client.key: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("expected client.key mode 0600, got %v", keyInfo.Mode().Perm())
	}

	loaded, err := security.LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if loaded.Serial != bundle.Serial {
		t.Errorf("serial mismatch: got %s, want %s", loaded.Serial, bundle.Serial)
	}
	if string(loaded.ClientCertPEM) != string(bundle.ClientCertPEM) {
		t.Error("client cert PEM mismatch after round trip")
	}
}

func TestLoadBundle_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := security.LoadBundle(dir); err == nil {
		t.Fatal("expected an error loading a bundle from an empty directory")
	}
}

func TestValidateChain(t *testing.T) {
	bundle := issueTestBundle(t)

	leaf, err := security.ParseLeafCertificate(bundle.ClientCertPEM)
	if err != nil {
		t.Fatalf("ParseLeafCertificate: %v", err)
	}
	root, err := security.ParseLeafCertificate(bundle.CACertPEM)
	if err != nil {
		t.Fatalf("ParseLeafCertificate (root): %v", err)
	}

	if err := security.ValidateChain(leaf, root); err != nil {
		t.Errorf("expected chain to validate, got: %v", err)
	}
}
