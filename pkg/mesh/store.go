package mesh

import (
	"sync"
	"time"

	"github.com/crankbird/crank/pkg/types"
)

// peerKey identifies which remote snapshot write wins for a worker_id:
// last-writer-wins on (endpoint, monotonic-seq), not wall-clock time,
// since clocks across controllers are not assumed to be synchronized.
type peerKey struct {
	endpoint string
	seq      uint64
}

// PeerStore holds the most recently accepted remote snapshot for each
// worker_id advertised by other controllers in the mesh.
type PeerStore struct {
	mu       sync.RWMutex
	snapshot map[string]*types.MeshSnapshot // worker_id -> latest accepted
	winner   map[string]peerKey             // worker_id -> the (endpoint, seq) that won
	received map[string]time.Time           // worker_id -> local receipt time, for eviction
}

// NewPeerStore creates an empty store.
func NewPeerStore() *PeerStore {
	return &PeerStore{
		snapshot: make(map[string]*types.MeshSnapshot),
		winner:   make(map[string]peerKey),
		received: make(map[string]time.Time),
	}
}

// Ingest applies an incoming snapshot using last-writer-wins on
// (endpoint, seq). Returns true if the snapshot was accepted: the
// worker_id is new, the snapshot comes from a different endpoint than the
// one currently held, or it has a strictly higher seq than the one held
// from the same endpoint.
func (p *PeerStore) Ingest(snap *types.MeshSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.winner[snap.WorkerID]
	if exists && current.endpoint == snap.Endpoint && snap.Seq <= current.seq {
		return false
	}

	p.snapshot[snap.WorkerID] = snap
	p.winner[snap.WorkerID] = peerKey{endpoint: snap.Endpoint, seq: snap.Seq}
	p.received[snap.WorkerID] = time.Now()
	return true
}

// CandidatesForCapability returns every remote snapshot advertising
// capabilityID in a HEALTHY state.
func (p *PeerStore) CandidatesForCapability(capabilityID string) []*types.MeshSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*types.MeshSnapshot
	for _, snap := range p.snapshot {
		if snap.State != types.WorkerStateHealthy {
			continue
		}
		for _, def := range snap.Capabilities {
			if def.ID == capabilityID {
				out = append(out, snap)
				break
			}
		}
	}
	return out
}

// EvictStale removes any snapshot not refreshed since cutoff, per spec
// §4.6 ("stale remote entries are evicted on the same schedule as local
// expiry").
func (p *PeerStore) EvictStale(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for workerID, receivedAt := range p.received {
		if receivedAt.Before(cutoff) {
			delete(p.snapshot, workerID)
			delete(p.winner, workerID)
			delete(p.received, workerID)
		}
	}
}

// Snapshot returns a copy of every remote registration currently held,
// for diagnostics and the mesh's own HTTP surface.
func (p *PeerStore) Snapshot() []*types.MeshSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.MeshSnapshot, 0, len(p.snapshot))
	for _, snap := range p.snapshot {
		out = append(out, snap)
	}
	return out
}
