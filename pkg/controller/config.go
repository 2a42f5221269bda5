package controller

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the controller's typed, environment-driven configuration,
// constructed once at startup and validated before any socket opens.
type Config struct {
	ListenAddress      string
	DataDir            string
	CertDir            string
	CAServiceURL       string
	HeartbeatInterval  time.Duration
	WorkerTimeout      time.Duration
	CleanupInterval    time.Duration
	HeartbeatGrace     time.Duration
	TombstoneTTL       time.Duration
	MaxInFlight        int
	RevocationDenyTTL  time.Duration
	Environment        string
}

const (
	envListenAddress     = "CONTROLLER_LISTEN_ADDRESS"
	envDataDir           = "CONTROLLER_DATA_DIR"
	envCertDir           = "CERT_DIR"
	envCAServiceURL      = "CA_SERVICE_URL"
	envHeartbeatInterval = "WORKER_HEARTBEAT_INTERVAL"
	envWorkerTimeout     = "WORKER_TIMEOUT"
	envCleanupInterval   = "WORKER_CLEANUP_INTERVAL"
	envHeartbeatGrace    = "WORKER_HEARTBEAT_GRACE"
	envTombstoneTTL      = "WORKER_TOMBSTONE_TTL"
	envMaxInFlight       = "CONTROLLER_MAX_INFLIGHT"
	envEnvironment       = "CRANK_ENVIRONMENT"
)

// LoadConfig builds a Config from the environment, filling in spec
// defaults for anything unset.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddress:     getEnvDefault(envListenAddress, ":8443"),
		DataDir:           getEnvDefault(envDataDir, "/var/lib/crank/controller"),
		CertDir:           os.Getenv(envCertDir),
		CAServiceURL:      os.Getenv(envCAServiceURL),
		HeartbeatInterval: 45 * time.Second,
		WorkerTimeout:     120 * time.Second,
		CleanupInterval:   30 * time.Second,
		TombstoneTTL:      1 * time.Hour,
		MaxInFlight:       1024,
		RevocationDenyTTL: 5 * time.Minute,
		Environment:       getEnvDefault(envEnvironment, "development"),
	}
	cfg.HeartbeatGrace = 2 * cfg.HeartbeatInterval

	if v, ok := os.LookupEnv(envHeartbeatInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
		cfg.HeartbeatGrace = 2 * d
	}
	if v, ok := os.LookupEnv(envWorkerTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envWorkerTimeout, err)
		}
		cfg.WorkerTimeout = d
	}
	if v, ok := os.LookupEnv(envCleanupInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envCleanupInterval, err)
		}
		cfg.CleanupInterval = d
	}
	if v, ok := os.LookupEnv(envHeartbeatGrace); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envHeartbeatGrace, err)
		}
		cfg.HeartbeatGrace = d
	}
	if v, ok := os.LookupEnv(envTombstoneTTL); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTombstoneTTL, err)
		}
		cfg.TombstoneTTL = d
	}
	if v, ok := os.LookupEnv(envMaxInFlight); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envMaxInFlight, err)
		}
		cfg.MaxInFlight = n
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
