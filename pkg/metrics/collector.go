package metrics

import (
	"time"

	"github.com/crankbird/crank/pkg/types"
)

// RegistrySource is the read-only view of the controller's worker registry
// that Collector polls. pkg/controller's Registry satisfies this.
type RegistrySource interface {
	ListWorkers() ([]*types.WorkerRegistration, error)
	ListTombstones() ([]*types.Tombstone, error)
	CapabilityCount() int
}

// Collector periodically samples registry state into the package's
// Prometheus gauges, alongside the push-based updates the controller's
// dispatch path makes to its counter and histogram.
type Collector struct {
	source RegistrySource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source RegistrySource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectTombstoneMetrics()
	CapabilitiesTotal.Set(float64(c.source.CapabilityCount()))
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.source.ListWorkers()
	if err != nil {
		return
	}

	counts := make(map[types.WorkerState]int)
	for _, w := range workers {
		counts[w.State]++
	}

	states := []types.WorkerState{
		types.WorkerStateRegistered,
		types.WorkerStateHealthy,
		types.WorkerStateDegraded,
		types.WorkerStateExpired,
		types.WorkerStateRevoked,
	}
	for _, state := range states {
		WorkersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectTombstoneMetrics() {
	tombstones, err := c.source.ListTombstones()
	if err != nil {
		return
	}
	TombstonesTotal.Set(float64(len(tombstones)))
}
