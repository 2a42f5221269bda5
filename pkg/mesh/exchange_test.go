package mesh

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/crankbird/crank/pkg/types"
)

type fakeLocalSource struct {
	workers []*types.WorkerRegistration
}

func (f *fakeLocalSource) ListWorkers() ([]*types.WorkerRegistration, error) {
	return f.workers, nil
}

func TestExchanger_PushToPeers(t *testing.T) {
	receiverStore := NewPeerStore()
	receiverExchanger := NewExchanger(&Config{LocalNodeID: "ctrl-b", ExchangeInterval: time.Hour, StaleAfter: time.Hour}, &fakeLocalSource{}, nil, receiverStore, nil)
	router := mux.NewRouter()
	NewServer(receiverExchanger, receiverStore).Routes(router)
	ts := httptest.NewServer(router)
	defer ts.Close()

	source := &fakeLocalSource{workers: []*types.WorkerRegistration{
		{
			WorkerID:     "worker-1",
			Endpoint:     "worker-1.internal:9000",
			State:        types.WorkerStateHealthy,
			Capabilities: []types.CapabilityDefinition{{ID: "transcode", Version: "1.0.0"}},
		},
	}}
	cfg := &Config{LocalNodeID: "ctrl-a", PeerURLs: []string{ts.URL}, ExchangeInterval: time.Hour, StaleAfter: time.Hour}
	senderExchanger := NewExchanger(cfg, source, http.DefaultClient, NewPeerStore(), nil)

	senderExchanger.pushToPeers()

	candidates := receiverStore.CandidatesForCapability("transcode")
	if len(candidates) != 1 || candidates[0].WorkerID != "worker-1" {
		t.Fatalf("expected the peer to have ingested worker-1's snapshot, got %+v", candidates)
	}
	if candidates[0].OriginNode != "ctrl-a" {
		t.Errorf("OriginNode = %q, want ctrl-a", candidates[0].OriginNode)
	}
}

func TestExchanger_NoPeersIsNoop(t *testing.T) {
	cfg := &Config{LocalNodeID: "ctrl-a", ExchangeInterval: time.Hour, StaleAfter: time.Hour}
	exchanger := NewExchanger(cfg, &fakeLocalSource{}, http.DefaultClient, NewPeerStore(), nil)
	exchanger.pushToPeers()
}

func TestExchanger_IngestDeduplicatesBySeq(t *testing.T) {
	store := NewPeerStore()
	exchanger := NewExchanger(&Config{}, &fakeLocalSource{}, nil, store, nil)

	snap := &types.MeshSnapshot{WorkerID: "worker-1", Endpoint: "ctrl-a", Seq: 1, State: types.WorkerStateHealthy}
	exchanger.Ingest([]*types.MeshSnapshot{snap, snap})

	if len(store.Snapshot()) != 1 {
		t.Errorf("expected exactly one stored snapshot, got %d", len(store.Snapshot()))
	}
}
