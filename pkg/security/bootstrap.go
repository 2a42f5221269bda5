package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/types"
)

// bootstrapRetries and bootstrapBackoff implement spec's "exponential
// backoff, max 3 attempts" CSR submission policy: 3 attempts means 2
// waits between them, so bootstrapBackoff only needs 2 entries.
const bootstrapRetries = 3

var bootstrapBackoff = []time.Duration{1 * time.Second, 2 * time.Second}

// BootstrapConfig describes a one-time CSR bootstrap against the CA.
type BootstrapConfig struct {
	CAURL     string // base URL of the CA service, e.g. "https://ca.internal:8443"
	CARootPEM []byte // pre-provisioned trust anchor, used only for this exchange
	Role      string // "controller" or "worker"
	SubjectID string // becomes the CSR's CommonName as "<role>:<id>"
	DNSNames  []string
	IPs       []net.IP
	Broker    *events.Broker // may be nil
}

// Bootstrap generates a keypair, builds and submits a CSR, and returns
// the resulting certificate bundle. The caller is responsible for
// persisting it with SaveBundle.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*types.CertificateBundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate bootstrap key: %w", err)
	}

	csrTemplate := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: fmt.Sprintf("%s:%s", cfg.Role, cfg.SubjectID)},
		DNSNames:    cfg.DNSNames,
		IPAddresses: cfg.IPs,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	publish(cfg.Broker, events.EventCSRGenerated, "CSR generated", cfg.Role, cfg.SubjectID)

	client, err := bootstrapHTTPClient(cfg.CARootPEM)
	if err != nil {
		return nil, fmt.Errorf("build bootstrap client: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < bootstrapRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bootstrapBackoff[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		publish(cfg.Broker, events.EventCSRSubmitted, "submitting CSR", cfg.Role, cfg.SubjectID)
		leafPEM, caPEM, err := submitCSR(ctx, client, cfg.CAURL, csrPEM, cfg.Role)
		if err == nil {
			publish(cfg.Broker, events.EventCertIssued, "certificate issued", cfg.Role, cfg.SubjectID)
			keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
			leaf, parseErr := parseLeafForBundle(leafPEM)
			if parseErr != nil {
				return nil, parseErr
			}
			return &types.CertificateBundle{
				ClientCertPEM: leafPEM,
				ClientKeyPEM:  keyPEM,
				CACertPEM:     caPEM,
				NotAfter:      leaf.NotAfter,
				Serial:        leaf.SerialNumber.String(),
			}, nil
		}
		lastErr = err
		publish(cfg.Broker, events.EventCSRFailed, err.Error(), cfg.Role, cfg.SubjectID)
	}

	publish(cfg.Broker, events.EventCAUnavailable, "CA unreachable after retries", cfg.Role, cfg.SubjectID)
	return nil, fmt.Errorf("CSR submission failed after %d attempts: %w", bootstrapRetries, lastErr)
}

func bootstrapHTTPClient(caRootPEM []byte) (*http.Client, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caRootPEM) {
		return nil, fmt.Errorf("invalid CA root PEM")
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

type bootstrapCSRRequest struct {
	CSRPEM string `json:"csr_pem"`
	Role   string `json:"role"`
}

type bootstrapCSRResponse struct {
	LeafCertPEM string `json:"leaf_cert_pem"`
	CACertPEM   string `json:"ca_cert_pem"`
}

func submitCSR(ctx context.Context, client *http.Client, caURL string, csrPEM []byte, role string) (leafPEM, caPEM []byte, err error) {
	body, err := json.Marshal(bootstrapCSRRequest{CSRPEM: string(csrPEM), Role: role})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, caURL+"/v1/csr", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("CSR request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("CA returned status %d", resp.StatusCode)
	}

	var out bootstrapCSRResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode CA response: %w", err)
	}
	return []byte(out.LeafCertPEM), []byte(out.CACertPEM), nil
}

func parseLeafForBundle(leafPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(leafPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("leaf cert is not valid PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func publish(broker *events.Broker, eventType events.EventType, message, role, subjectID string) {
	if broker == nil {
		return
	}
	broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"role": role, "subject_id": subjectID},
	})
}
