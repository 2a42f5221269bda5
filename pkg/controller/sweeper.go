package controller

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/log"
)

// Sweeper periodically runs the registry's expiry policy (spec §4.5.3):
// DEGRADED after a missed heartbeat grace period, EXPIRED and removed
// after WorkerTimeout, tombstones purged after TombstoneTTL.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewSweeper builds a Sweeper over registry, running on cfg.CleanupInterval.
func NewSweeper(registry *Registry, cfg *Config) *Sweeper {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   log.WithComponent("controller-sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop ends the sweep loop. Safe to call once.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.registry.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}
