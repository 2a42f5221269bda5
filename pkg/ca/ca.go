// Package ca implements the certificate authority: the long-lived,
// privileged service with sole custody of the fleet's signing key. It
// issues leaf certificates against CSRs, tracks revoked serials, and
// exposes the root certificate for initial trust bootstrap (spec §4.2).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/crankbird/crank/pkg/security"
	"github.com/crankbird/crank/pkg/storage"
)

const (
	// Root CA validity: 10 years.
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Default leaf certificate validity (spec §4.2: default 24h-7d).
	defaultLeafValidity = 72 * time.Hour
	// Root CA key size: long-lived, high security.
	rootKeySize = 4096
	// Leaf key size: shorter-lived certificates don't need 4096 bits.
	leafKeySize = 2048
)

// Role is the identity class a CSR's subject asserts.
type Role string

const (
	RoleController Role = "controller"
	RoleWorker     Role = "worker"
	// RoleAdmin identifies operator/CLI certificates. Issue tags these
	// with oidAdminRole so the controller's privilege boundary (pkg/controller)
	// can distinguish an admin caller from a worker at the TLS layer
	// without a separate credential type.
	RoleAdmin Role = "admin"
)

// oidAdminRole is a private-use X.509 extension OID marking a leaf
// certificate as carrying admin privilege. Presence, not value, matters;
// the content is an ASN.1 NULL.
var oidAdminRole = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55938, 1, 1}

// CSRRejectedError reports why Issue refused a CSR: malformed subject or
// disallowed SAN. Issue keeps no record of the subjects it has signed and
// does not reject a CSR whose subject collides with an earlier one.
type CSRRejectedError struct {
	Reason string
}

func (e *CSRRejectedError) Error() string {
	return "CSR rejected: " + e.Reason
}

// caData is the JSON shape persisted via storage.Store.SaveCA/GetCA. The
// root key is encrypted with the cluster key before it is marshaled here.
type caData struct {
	RootCertDER         []byte
	RootKeyDEREncrypted []byte
}

// CertAuthority holds the root signing key and serves Issue/Revoke/Root.
type CertAuthority struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	store    storage.Store

	revokedMu sync.RWMutex
	revoked   map[string]bool
}

// NewCertAuthority creates a CA bound to store for persistence and
// revocation tracking.
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{
		store:   store,
		revoked: make(map[string]bool),
	}
}

// Initialize generates a new self-signed root CA certificate and key.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Crank Fleet"},
			CommonName:   "Crank Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// IsInitialized reports whether the CA holds a root cert and key.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// LoadFromStore restores the CA's root key/cert from storage, decrypting
// the root key with the cluster encryption key.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("load CA from storage: %w", err)
	}

	var cd caData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("unmarshal CA record: %w", err)
	}

	decryptedKey, err := security.Decrypt(cd.RootKeyDEREncrypted)
	if err != nil {
		return fmt.Errorf("decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(cd.RootCertDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA's root key/cert, encrypting the root key
// with the cluster encryption key before it touches disk.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := security.Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("encrypt root key: %w", err)
	}

	cd := caData{RootCertDER: ca.rootCert.Raw, RootKeyDEREncrypted: encryptedKey}
	data, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("marshal CA record: %w", err)
	}

	return ca.store.SaveCA(data)
}

// Issue validates csrPEM and, if accepted, signs a leaf certificate. The
// subject must be "<role>:<id>"; SANs are restricted to the literal DNS
// names/IPs the caller requested (no wildcards).
func (ca *CertAuthority) Issue(csrPEM []byte, role Role, validity time.Duration) (leafCertPEM, caCertPEM []byte, err error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized")
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, nil, &CSRRejectedError{Reason: "not a PEM-encoded CSR"}
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, nil, &CSRRejectedError{Reason: "malformed CSR: " + err.Error()}
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, &CSRRejectedError{Reason: "CSR signature invalid: " + err.Error()}
	}

	if err := validateSubject(csr.Subject.CommonName, role); err != nil {
		return nil, nil, err
	}
	if err := validateSANs(csr.DNSNames, csr.IPAddresses); err != nil {
		return nil, nil, err
	}

	if validity <= 0 {
		validity = defaultLeafValidity
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
	}
	if role == RoleAdmin {
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    oidAdminRole,
			Value: []byte{0x05, 0x00}, // ASN.1 NULL: presence is the signal, not content
		})
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, csr.PublicKey, ca.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign certificate: %w", err)
	}

	leafCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	caCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
	return leafCertPEM, caCertPEM, nil
}

// validateSubject enforces the "<role>:<id>" CSR subject convention.
func validateSubject(commonName string, role Role) error {
	prefix := string(role) + ":"
	if !strings.HasPrefix(commonName, prefix) || len(commonName) == len(prefix) {
		return &CSRRejectedError{Reason: fmt.Sprintf("subject %q does not match %q convention", commonName, prefix+"<id>")}
	}
	id := strings.TrimPrefix(commonName, prefix)
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return &CSRRejectedError{Reason: fmt.Sprintf("subject id %q contains disallowed characters", id)}
		}
	}
	return nil
}

// validateSANs rejects wildcard DNS names and malformed IP SANs.
func validateSANs(dnsNames []string, ips []net.IP) error {
	for _, name := range dnsNames {
		if strings.Contains(name, "*") {
			return &CSRRejectedError{Reason: fmt.Sprintf("wildcard SAN %q is not allowed", name)}
		}
	}
	for _, ip := range ips {
		if ip == nil {
			return &CSRRejectedError{Reason: "malformed IP SAN"}
		}
	}
	return nil
}

// Revoke marks serial as revoked. Revocation is published via
// ListRevoked/the /v1/revocations endpoint for controllers to consult
// during TLS handshake and on re-registration.
func (ca *CertAuthority) Revoke(serial string) error {
	ca.revokedMu.Lock()
	ca.revoked[serial] = true
	ca.revokedMu.Unlock()

	if ca.store != nil {
		return ca.store.AddRevokedSerial(serial)
	}
	return nil
}

// IsRevoked reports whether serial has been revoked.
func (ca *CertAuthority) IsRevoked(serial string) bool {
	ca.revokedMu.RLock()
	defer ca.revokedMu.RUnlock()
	return ca.revoked[serial]
}

// ListRevoked returns every revoked serial number.
func (ca *CertAuthority) ListRevoked() []string {
	ca.revokedMu.RLock()
	defer ca.revokedMu.RUnlock()
	serials := make([]string, 0, len(ca.revoked))
	for s := range ca.revoked {
		serials = append(serials, s)
	}
	return serials
}

// LoadRevokedFromStore seeds the in-memory revocation set from storage,
// called once at startup after LoadFromStore.
func (ca *CertAuthority) LoadRevokedFromStore() error {
	if ca.store == nil {
		return nil
	}
	serials, err := ca.store.ListRevokedSerials()
	if err != nil {
		return err
	}
	ca.revokedMu.Lock()
	defer ca.revokedMu.Unlock()
	for _, s := range serials {
		ca.revoked[s] = true
	}
	return nil
}

// IsAdminCertificate reports whether cert carries the admin-role
// extension Issue stamps on RoleAdmin leaves. The controller's privilege
// boundary uses this to gate admin-only endpoints at the TLS layer.
func IsAdminCertificate(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidAdminRole) {
			return true
		}
	}
	return false
}

// RootCertPEM returns the root certificate, PEM-encoded, for trust
// bootstrap (spec §4.2 "Root").
func (ca *CertAuthority) RootCertPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
}
