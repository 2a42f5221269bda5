package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/crankbird/crank/pkg/types"
)

const (
	clientCertFile = "client.crt"
	clientKeyFile  = "client.key"
	caCertFile     = "ca.crt"
)

// SaveBundle persists bundle's three PEM files to dir using atomic
// replacement: each file is written to a temp path in the same
// directory, fsynced, and renamed over the destination, and the
// directory itself is fsynced once all three files are in place. A
// reader can never observe a half-written bundle.
func SaveBundle(dir string, bundle *types.CertificateBundle) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	if err := atomicWriteFile(filepath.Join(dir, clientCertFile), bundle.ClientCertPEM, 0644); err != nil {
		return fmt.Errorf("write client cert: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(dir, clientKeyFile), bundle.ClientKeyPEM, 0600); err != nil {
		return fmt.Errorf("write client key: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(dir, caCertFile), bundle.CACertPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	return fsyncDir(dir)
}

// LoadBundle reads a bundle previously written by SaveBundle and
// populates NotAfter/Serial from the parsed leaf certificate.
func LoadBundle(dir string) (*types.CertificateBundle, error) {
	clientCertPEM, err := os.ReadFile(filepath.Join(dir, clientCertFile))
	if err != nil {
		return nil, fmt.Errorf("read client cert: %w", err)
	}
	clientKeyPEM, err := os.ReadFile(filepath.Join(dir, clientKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	caCertPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	block, _ := pem.Decode(clientCertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("client cert is not valid PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse client cert: %w", err)
	}

	return &types.CertificateBundle{
		ClientCertPEM: clientCertPEM,
		ClientKeyPEM:  clientKeyPEM,
		CACertPEM:     caCertPEM,
		NotAfter:      leaf.NotAfter,
		Serial:        leaf.SerialNumber.String(),
	}, nil
}

// BundleExists reports whether all three bundle files are present in dir.
func BundleExists(dir string) bool {
	for _, name := range []string{clientCertFile, clientKeyFile, caCertFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, fsyncs it, then renames it over path. Rename is atomic within a
// single filesystem, so a crash mid-write never leaves a torn file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// fsyncDir fsyncs a directory so a renamed-in file's directory entry
// survives a crash, not just the file's own contents.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
