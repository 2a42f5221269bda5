package mesh

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the mesh exchanger's environment-driven configuration.
type Config struct {
	LocalNodeID      string
	PeerURLs         []string
	ExchangeInterval time.Duration
	StaleAfter       time.Duration
}

const (
	envLocalNodeID      = "MESH_NODE_ID"
	envPeerURLs         = "MESH_PEER_URLS"
	envExchangeInterval = "MESH_EXCHANGE_INTERVAL"
	envStaleAfter       = "MESH_STALE_AFTER"
)

// LoadConfig builds a Config from the environment. An empty PeerURLs
// list is valid: it means this controller runs without mesh peers.
func LoadConfig(localNodeID string) (*Config, error) {
	cfg := &Config{
		LocalNodeID:      localNodeID,
		ExchangeInterval: 30 * time.Second,
		StaleAfter:       5 * time.Minute,
	}

	if v := os.Getenv(envLocalNodeID); v != "" {
		cfg.LocalNodeID = v
	}
	if v := os.Getenv(envPeerURLs); v != "" {
		for _, u := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				cfg.PeerURLs = append(cfg.PeerURLs, trimmed)
			}
		}
	}
	if v, ok := os.LookupEnv(envExchangeInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envExchangeInterval, err)
		}
		cfg.ExchangeInterval = d
	}
	if v, ok := os.LookupEnv(envStaleAfter); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStaleAfter, err)
		}
		cfg.StaleAfter = d
	}

	return cfg, nil
}
