package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

// rotationFraction is the remaining-validity threshold below which a
// certificate is due for rotation (spec §4.3: "remaining validity < 25%").
const rotationFraction = 0.25

// CertificatesInvalidError describes a certificate bundle that failed
// validation: expiry, chain verification, or key/cert mismatch. No function
// in this package returns it; LoadBundle parses the leaf but does not check
// expiry, run ValidateChain, or run KeyMatchesCert.
type CertificatesInvalidError struct {
	Reason string
}

func (e *CertificatesInvalidError) Error() string {
	return "certificates invalid: " + e.Reason
}

// ParseLeafCertificate decodes a single PEM certificate block.
func ParseLeafCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("not a valid PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// NeedsRotation reports whether cert's remaining validity has dropped
// below rotationFraction of its total lifetime.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	total := cert.NotAfter.Sub(cert.NotBefore)
	if total <= 0 {
		return true
	}
	remaining := time.Until(cert.NotAfter)
	return float64(remaining) < float64(total)*rotationFraction
}

// TimeRemaining returns the duration until cert expires.
func TimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}

// ValidateChain verifies cert was signed by ca and is valid for client
// and server authentication.
func ValidateChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// KeyMatchesCert reports whether keyPEM is the private key for certPEM,
// by comparing their public key moduli.
func KeyMatchesCert(certPEM, keyPEM []byte) (bool, error) {
	cert, err := ParseLeafCertificate(certPEM)
	if err != nil {
		return false, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return false, fmt.Errorf("not a valid PEM key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return false, fmt.Errorf("parse private key: %w", err)
	}

	return key.PublicKey.Equal(cert.PublicKey), nil
}
