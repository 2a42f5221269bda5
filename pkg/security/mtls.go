package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RevocationChecker reports whether a certificate serial has been
// revoked. pkg/ca.CertAuthority (consulted through pkg/controller)
// satisfies this.
type RevocationChecker interface {
	IsRevoked(serial string) bool
}

// ClientFactory lazily builds a single pooled *http.Client over mTLS.
// Spec §4.3: "HTTPS-only... no insecure mode exists... connection
// pooling is mandatory; client creation is lazy."
type ClientFactory struct {
	mu     sync.Mutex
	client *http.Client
	dir    string
}

// NewClientFactory returns a factory that (re)loads its certificate
// bundle from dir on first use and after Refresh.
func NewClientFactory(dir string) *ClientFactory {
	return &ClientFactory{dir: dir}
}

// Client returns the pooled mTLS client, building it on first call.
func (f *ClientFactory) Client() (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	tlsConfig, err := f.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	f.client = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return f.client, nil
}

// Refresh discards the cached client so the next Client call rebuilds
// it from the current on-disk bundle. In-flight requests on the old
// transport complete normally; only new connections pick up the new
// credentials.
func (f *ClientFactory) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = nil
}

func (f *ClientFactory) buildTLSConfig() (*tls.Config, error) {
	bundle, err := LoadBundle(f.dir)
	if err != nil {
		return nil, fmt.Errorf("load certificate bundle: %w", err)
	}

	cert, err := tls.X509KeyPair(bundle.ClientCertPEM, bundle.ClientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle.CACertPEM) {
		return nil, fmt.Errorf("invalid CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewServerTLSConfig builds a *tls.Config that requires client
// certificates signed by the CA root and rejects revoked serials during
// the handshake (spec §4.3: "mTLS Server Factory").
func NewServerTLSConfig(dir string, revocation RevocationChecker) (*tls.Config, error) {
	bundle, err := LoadBundle(dir)
	if err != nil {
		return nil, fmt.Errorf("load certificate bundle: %w", err)
	}

	cert, err := tls.X509KeyPair(bundle.ClientCertPEM, bundle.ClientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse server keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle.CACertPEM) {
		return nil, fmt.Errorf("invalid CA certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	if revocation != nil {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				leaf, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if revocation.IsRevoked(leaf.SerialNumber.String()) {
					return fmt.Errorf("certificate serial %s is revoked", leaf.SerialNumber.String())
				}
			}
			return nil
		}
	}

	return cfg, nil
}
