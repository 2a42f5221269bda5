package mesh

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/types"
)

// LocalSource is the read-only view of local worker state an Exchanger
// turns into outgoing snapshots.
type LocalSource interface {
	ListWorkers() ([]*types.WorkerRegistration, error)
}

// Exchanger periodically pushes this controller's local worker state to
// its mesh peers and evicts peer state this controller hasn't heard a
// refresh for (spec §4.6). It is grounded on the same ticker-loop shape
// pkg/security's rotation manager and pkg/controller's sweeper use.
type Exchanger struct {
	cfg    *Config
	source LocalSource
	client *http.Client
	store  *PeerStore
	broker *events.Broker
	logger zerolog.Logger

	seq    uint64
	stopCh chan struct{}
}

// NewExchanger builds an Exchanger. client should be built with mTLS
// client credentials (spec §4.6: "over mTLS").
func NewExchanger(cfg *Config, source LocalSource, client *http.Client, store *PeerStore, broker *events.Broker) *Exchanger {
	return &Exchanger{
		cfg:    cfg,
		source: source,
		client: client,
		store:  store,
		broker: broker,
		logger: log.WithComponent("mesh-exchange"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the exchange loop in a background goroutine.
func (e *Exchanger) Start() {
	go e.run()
}

// Stop ends the exchange loop. Safe to call once.
func (e *Exchanger) Stop() {
	close(e.stopCh)
}

func (e *Exchanger) run() {
	ticker := time.NewTicker(e.cfg.ExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.pushToPeers()
			e.store.EvictStale(time.Now().Add(-e.cfg.StaleAfter))
		case <-e.stopCh:
			return
		}
	}
}

type snapshotBatch struct {
	Snapshots []*types.MeshSnapshot `json:"snapshots"`
}

func (e *Exchanger) localSnapshots() ([]*types.MeshSnapshot, error) {
	workers, err := e.source.ListWorkers()
	if err != nil {
		return nil, err
	}
	seq := atomic.AddUint64(&e.seq, 1)
	snapshots := make([]*types.MeshSnapshot, 0, len(workers))
	for _, w := range workers {
		snapshots = append(snapshots, &types.MeshSnapshot{
			WorkerID:     w.WorkerID,
			Capabilities: w.Capabilities,
			State:        w.State,
			Endpoint:     w.Endpoint,
			LastSeen:     w.LastSeen,
			OriginNode:   e.cfg.LocalNodeID,
			Seq:          seq,
		})
	}
	return snapshots, nil
}

func (e *Exchanger) pushToPeers() {
	if len(e.cfg.PeerURLs) == 0 {
		return
	}
	snapshots, err := e.localSnapshots()
	if err != nil {
		e.logger.Error().Err(err).Msg("build local snapshots failed")
		return
	}
	body, err := json.Marshal(snapshotBatch{Snapshots: snapshots})
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal snapshot batch failed")
		return
	}

	for _, peerURL := range e.cfg.PeerURLs {
		resp, err := e.client.Post(peerURL+"/v1/mesh/snapshot", "application/json", bytes.NewReader(body))
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", peerURL).Msg("mesh peer unreachable")
			e.publish(events.EventMeshPeerUnreachable, "peer unreachable", peerURL)
			continue
		}
		resp.Body.Close()
		e.publish(events.EventMeshSnapshotSent, "snapshot sent", peerURL)
	}
}

// Ingest applies a batch of snapshots received from a peer, e.g. via
// the mesh HTTP handler.
func (e *Exchanger) Ingest(snapshots []*types.MeshSnapshot) {
	for _, snap := range snapshots {
		if e.store.Ingest(snap) {
			e.publish(events.EventMeshSnapshotAccepted, "snapshot accepted", snap.WorkerID)
		}
	}
}

func (e *Exchanger) publish(eventType events.EventType, message, subject string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: map[string]string{"subject": subject}})
}
