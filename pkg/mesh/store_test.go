package mesh

import (
	"testing"
	"time"

	"github.com/crankbird/crank/pkg/types"
)

func TestPeerStore_IngestAcceptsHigherSeq(t *testing.T) {
	store := NewPeerStore()

	first := &types.MeshSnapshot{WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 1, State: types.WorkerStateHealthy}
	if !store.Ingest(first) {
		t.Fatal("expected first snapshot to be accepted")
	}

	stale := &types.MeshSnapshot{WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 1, State: types.WorkerStateDegraded}
	if store.Ingest(stale) {
		t.Error("expected an equal-or-lower seq from the same endpoint to be rejected")
	}

	newer := &types.MeshSnapshot{WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 2, State: types.WorkerStateDegraded}
	if !store.Ingest(newer) {
		t.Fatal("expected a higher seq to be accepted")
	}

	snaps := store.Snapshot()
	if len(snaps) != 1 || snaps[0].State != types.WorkerStateDegraded {
		t.Errorf("unexpected stored snapshot: %+v", snaps)
	}
}

func TestPeerStore_CandidatesForCapability_OnlyHealthy(t *testing.T) {
	store := NewPeerStore()
	store.Ingest(&types.MeshSnapshot{
		WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 1, State: types.WorkerStateHealthy,
		Capabilities: []types.CapabilityDefinition{{ID: "transcode", Version: "1.0.0"}},
	})
	store.Ingest(&types.MeshSnapshot{
		WorkerID: "worker-2", Endpoint: "ctrl-a", Seq: 1, State: types.WorkerStateDegraded,
		Capabilities: []types.CapabilityDefinition{{ID: "transcode", Version: "1.0.0"}},
	})

	candidates := store.CandidatesForCapability("transcode")
	if len(candidates) != 1 || candidates[0].WorkerID != "worker-1" {
		t.Errorf("expected only the healthy worker, got %+v", candidates)
	}
}

func TestPeerStore_EvictStale(t *testing.T) {
	store := NewPeerStore()
	store.Ingest(&types.MeshSnapshot{WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 1})

	store.EvictStale(time.Now().Add(time.Hour))
	if len(store.Snapshot()) != 0 {
		t.Error("expected snapshot to be evicted once its receipt time is before the cutoff")
	}
}
