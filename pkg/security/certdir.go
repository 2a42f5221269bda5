package security

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// defaultHomeCertDir is CERT_DIR's fallback outside a container.
	defaultHomeCertDir = ".crank/certs"
	// containerCertDir is CERT_DIR's fallback inside a container, where
	// the process's home directory is typically ephemeral or unset.
	containerCertDir = "/var/run/crank/certs"
)

// CertDirEnvVar is the environment variable that overrides CERT_DIR
// resolution outright.
const CertDirEnvVar = "CERT_DIR"

// ResolveCertDir implements the CERT_DIR resolution order: explicit env
// override, then a container-detected absolute path, then a path under
// the user's home directory.
func ResolveCertDir() (string, error) {
	if dir := os.Getenv(CertDirEnvVar); dir != "" {
		return dir, nil
	}

	if runningInContainer() {
		return containerCertDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultHomeCertDir), nil
}

// runningInContainer uses the same heuristics container runtimes rely on
// themselves: a dockerenv marker file, or container tooling named in the
// init process's cgroup membership.
func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "kubepods") ||
		strings.Contains(content, "containerd")
}
