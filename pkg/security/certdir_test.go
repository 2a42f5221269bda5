package security_test

import (
	"testing"

	"github.com/crankbird/crank/pkg/security"
)

func TestResolveCertDir_EnvOverride(t *testing.T) {
	t.Setenv(security.CertDirEnvVar, "/etc/crank/certs-override")

	dir, err := security.ResolveCertDir()
	if err != nil {
		t.Fatalf("ResolveCertDir: %v", err)
	}
	if dir != "/etc/crank/certs-override" {
		t.Errorf("expected env override to win, got %q", dir)
	}
}

func TestResolveCertDir_FallsBackWithoutOverride(t *testing.T) {
	t.Setenv(security.CertDirEnvVar, "")

	dir, err := security.ResolveCertDir()
	if err != nil {
		t.Fatalf("ResolveCertDir: %v", err)
	}
	if dir == "" {
		t.Error("expected a non-empty fallback CERT_DIR")
	}
}
