package worker

import (
	"fmt"
	"os"
	"time"
)

// Config is a worker process's typed, environment-driven configuration
// (spec §4.4). WorkerID, ControllerURL and CAServiceURL are required;
// everything else falls back to the spec defaults.
type Config struct {
	WorkerID          string
	ListenAddress     string
	ControllerURL     string
	CAServiceURL      string
	CertDir           string
	NodeAffinity      string
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
}

const (
	envWorkerID          = "WORKER_ID"
	envListenAddress     = "WORKER_LISTEN_ADDRESS"
	envControllerURL     = "CONTROLLER_URL"
	envCAServiceURL      = "CA_SERVICE_URL"
	envCertDir           = "CERT_DIR"
	envNodeAffinity      = "WORKER_NODE_AFFINITY"
	envHeartbeatInterval = "WORKER_HEARTBEAT_INTERVAL"
	envShutdownGrace     = "WORKER_SHUTDOWN_GRACE"
)

// LoadConfig builds a Config from the environment, filling in spec
// defaults for anything unset.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		WorkerID:          os.Getenv(envWorkerID),
		ListenAddress:     getEnvDefault(envListenAddress, ":8444"),
		ControllerURL:     os.Getenv(envControllerURL),
		CAServiceURL:      os.Getenv(envCAServiceURL),
		CertDir:           os.Getenv(envCertDir),
		NodeAffinity:      os.Getenv(envNodeAffinity),
		HeartbeatInterval: 45 * time.Second,
		ShutdownGrace:     30 * time.Second,
	}

	if v, ok := os.LookupEnv(envHeartbeatInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}
	if v, ok := os.LookupEnv(envShutdownGrace); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envShutdownGrace, err)
		}
		cfg.ShutdownGrace = d
	}

	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("%s is required", envWorkerID)
	}
	if cfg.ControllerURL == "" {
		return nil, fmt.Errorf("%s is required", envControllerURL)
	}
	if cfg.CAServiceURL == "" {
		return nil, fmt.Errorf("%s is required", envCAServiceURL)
	}

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
