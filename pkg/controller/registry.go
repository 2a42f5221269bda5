package controller

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/capability"
	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/storage"
	"github.com/crankbird/crank/pkg/types"
)

const numShards = 16

// shard guards the in-memory working set for a slice of worker_ids,
// giving concurrent requests for different workers independent locks
// instead of one registry-wide mutex (spec §5: "sharded locks keyed by
// worker_id").
type shard struct {
	mu      sync.RWMutex
	workers map[string]*types.WorkerRegistration
}

// Registry is the controller's single authority for worker state: the
// WorkerRegistry and CapabilityRegistry of spec §4.5, combined. It is
// backed by storage.Store for durability and keeps an in-memory
// capability index for routing.
type Registry struct {
	store  storage.Store
	shards [numShards]*shard

	capMu    sync.RWMutex
	capIndex map[string][]types.CapabilityRouteEntry

	fingerprints sync.Map // worker_id -> certificate fingerprint

	denyMu sync.Mutex
	deny   map[string]time.Time // worker_id -> deny-until

	tokens *TokenManager
	broker *events.Broker
	logger zerolog.Logger
	cfg    *Config
}

// NewRegistry constructs a Registry over store, loading its initial
// in-memory state from whatever was already persisted.
func NewRegistry(store storage.Store, cfg *Config, broker *events.Broker) (*Registry, error) {
	r := &Registry{
		store:    store,
		capIndex: make(map[string][]types.CapabilityRouteEntry),
		deny:     make(map[string]time.Time),
		tokens:   NewTokenManager(),
		broker:   broker,
		logger:   log.WithComponent("controller-registry"),
		cfg:      cfg,
	}
	for i := range r.shards {
		r.shards[i] = &shard{workers: make(map[string]*types.WorkerRegistration)}
	}

	workers, err := store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("load workers from storage: %w", err)
	}
	for _, w := range workers {
		r.shardFor(w.WorkerID).workers[w.WorkerID] = w
		if w.CertificateFingerprint != "" {
			r.fingerprints.Store(w.WorkerID, w.CertificateFingerprint)
		}
		if w.State == types.WorkerStateHealthy || w.State == types.WorkerStateDegraded || w.State == types.WorkerStateRegistered {
			r.indexCapabilities(w)
		}
	}
	return r, nil
}

func (r *Registry) shardFor(workerID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(workerID))
	return r.shards[h.Sum32()%numShards]
}

func (r *Registry) publish(eventType events.EventType, message, workerID string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: map[string]string{"worker_id": workerID}})
}

// RegistrationRejectedError reports why Register refused a worker:
// fingerprint binding conflict, deny-list membership, or a malformed
// capability manifest.
type RegistrationRejectedError struct {
	Reason string
}

func (e *RegistrationRejectedError) Error() string { return "registration rejected: " + e.Reason }

// Register validates and stores a worker's registration, binding it to
// the TLS client certificate's fingerprint (spec §4.5.1).
func (r *Registry) Register(reg *types.WorkerRegistration, fingerprint string) (string, types.WorkerState, error) {
	if r.isDenied(reg.WorkerID) {
		return "", "", &RegistrationRejectedError{Reason: "worker_id is in the re-registration deny list"}
	}

	for i := range reg.Capabilities {
		if err := capability.Validate(&reg.Capabilities[i]); err != nil {
			return "", "", &RegistrationRejectedError{Reason: "invalid capability manifest: " + err.Error()}
		}
	}

	sh := r.shardFor(reg.WorkerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.workers[reg.WorkerID]
	if ok && existing.CertificateFingerprint != fingerprint {
		if existing.State != types.WorkerStateExpired && existing.State != types.WorkerStateRevoked {
			return "", "", &RegistrationRejectedError{
				Reason: "worker_id already registered under a different certificate fingerprint",
			}
		}
	}

	// A worker that retries its registration (same fingerprint, same
	// endpoint/capabilities/affinity) gets back the token it already
	// holds instead of a fresh one, so a retried request never
	// invalidates a token the worker is mid-flight on using.
	resubmission := ok && existing.CertificateFingerprint == fingerprint && existing.RegistrationToken != "" &&
		registrationBodyEqual(existing, reg)

	now := time.Now()
	reg.CertificateFingerprint = fingerprint
	reg.State = types.WorkerStateRegistered
	reg.LastSeen = now
	if ok {
		reg.RegisteredAt = existing.RegisteredAt
	} else {
		reg.RegisteredAt = now
	}

	var token string
	if resubmission {
		token = existing.RegistrationToken
	} else {
		t, err := r.tokens.IssueToken(reg.WorkerID)
		if err != nil {
			return "", "", fmt.Errorf("issue registration token: %w", err)
		}
		token = t
	}
	reg.RegistrationToken = token

	if ok {
		if err := r.store.UpdateWorker(reg); err != nil {
			return "", "", fmt.Errorf("persist worker: %w", err)
		}
	} else {
		if err := r.store.CreateWorker(reg); err != nil {
			return "", "", fmt.Errorf("persist worker: %w", err)
		}
	}
	sh.workers[reg.WorkerID] = reg
	r.fingerprints.Store(reg.WorkerID, fingerprint)
	r.indexCapabilities(reg)

	if !resubmission {
		r.publish(events.EventWorkerRegistered, "worker registered", reg.WorkerID)
	}
	return token, reg.State, nil
}

// registrationBodyEqual reports whether two registrations describe the
// same worker offering: same endpoint, same capability manifest, same
// node affinity. Used to detect a re-submitted registration that should
// be idempotent on its token (spec §8).
func registrationBodyEqual(a, b *types.WorkerRegistration) bool {
	if a.Endpoint != b.Endpoint || a.NodeAffinity != b.NodeAffinity {
		return false
	}
	return reflect.DeepEqual(a.Capabilities, b.Capabilities)
}

// Heartbeat updates a worker's last_seen and promotes it toward HEALTHY.
// Returns ErrUnknownWorker if workerID has no registration.
func (r *Registry) Heartbeat(workerID string) error {
	sh := r.shardFor(workerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	reg, ok := sh.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}

	reg.LastSeen = time.Now()
	if reg.State == types.WorkerStateRegistered || reg.State == types.WorkerStateDegraded {
		reg.State = types.WorkerStateHealthy
		r.indexCapabilities(reg)
	}
	if err := r.store.UpdateWorker(reg); err != nil {
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	r.publish(events.EventWorkerHeartbeat, "heartbeat received", workerID)
	return nil
}

// ErrUnknownWorker is returned by Heartbeat/Deregister for a worker_id
// the registry has never seen or has already forgotten.
var ErrUnknownWorker = fmt.Errorf("unknown worker")

// Deregister removes a worker's registration and capability entries,
// leaving a tombstone for audit.
func (r *Registry) Deregister(workerID, reason string) error {
	return r.remove(workerID, reason, types.WorkerStateExpired)
}

// Revoke removes a worker's registration, leaves a tombstone, and adds
// workerID to the re-registration deny list for RevocationDenyTTL (spec
// §4.5.6). The caller is responsible for instructing the CA to revoke
// the worker's certificate serial.
func (r *Registry) Revoke(workerID string) error {
	if err := r.remove(workerID, "revoked", types.WorkerStateRevoked); err != nil {
		return err
	}
	r.denyMu.Lock()
	ttl := r.cfg.RevocationDenyTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r.deny[workerID] = time.Now().Add(ttl)
	r.denyMu.Unlock()
	r.publish(events.EventWorkerRevoked, "worker revoked", workerID)
	return nil
}

func (r *Registry) remove(workerID, reason string, finalState types.WorkerState) error {
	sh := r.shardFor(workerID)
	sh.mu.Lock()
	reg, ok := sh.workers[workerID]
	if !ok {
		sh.mu.Unlock()
		return ErrUnknownWorker
	}
	reg.State = finalState
	delete(sh.workers, workerID)
	sh.mu.Unlock()

	r.removeFromCapabilityIndex(workerID)
	r.fingerprints.Delete(workerID)

	if err := r.store.DeleteWorker(workerID); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	tombstone := &types.Tombstone{WorkerID: workerID, LastState: finalState, Reason: reason, RemovedAt: time.Now()}
	if err := r.store.CreateTombstone(tombstone); err != nil {
		return fmt.Errorf("create tombstone: %w", err)
	}
	return nil
}

func (r *Registry) isDenied(workerID string) bool {
	r.denyMu.Lock()
	defer r.denyMu.Unlock()
	until, ok := r.deny[workerID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.deny, workerID)
		return false
	}
	return true
}

// indexCapabilities (re)inserts worker's advertised capabilities into
// the routing index. Callers must hold the worker's shard lock if reg
// is mutated concurrently; the capability index has its own lock.
func (r *Registry) indexCapabilities(reg *types.WorkerRegistration) {
	r.removeFromCapabilityIndex(reg.WorkerID)

	r.capMu.Lock()
	defer r.capMu.Unlock()
	for _, def := range reg.Capabilities {
		entry := types.CapabilityRouteEntry{WorkerID: reg.WorkerID, Version: def.Version, Constraints: def.Constraints}
		r.capIndex[def.ID] = append(r.capIndex[def.ID], entry)
	}
}

func (r *Registry) removeFromCapabilityIndex(workerID string) {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	for capID, entries := range r.capIndex {
		filtered := entries[:0]
		for _, e := range entries {
			if e.WorkerID != workerID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(r.capIndex, capID)
		} else {
			r.capIndex[capID] = filtered
		}
	}
}

// GetWorker returns a worker's current in-memory registration.
func (r *Registry) GetWorker(workerID string) (*types.WorkerRegistration, bool) {
	sh := r.shardFor(workerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	reg, ok := sh.workers[workerID]
	return reg, ok
}

// ListWorkers returns every registration the controller currently
// holds, sorted by worker_id for stable output. Satisfies
// metrics.RegistrySource.
func (r *Registry) ListWorkers() ([]*types.WorkerRegistration, error) {
	var out []*types.WorkerRegistration
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, w := range sh.workers {
			out = append(out, w)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// ListTombstones satisfies metrics.RegistrySource by delegating to storage.
func (r *Registry) ListTombstones() ([]*types.Tombstone, error) {
	return r.store.ListTombstones()
}

// CandidatesForCapability returns a snapshot of the routing entries
// currently indexed for capabilityID.
func (r *Registry) CandidatesForCapability(capabilityID string) []types.CapabilityRouteEntry {
	r.capMu.RLock()
	defer r.capMu.RUnlock()
	entries := r.capIndex[capabilityID]
	out := make([]types.CapabilityRouteEntry, len(entries))
	copy(out, entries)
	return out
}

// CapabilityCount returns the number of distinct capability ids
// currently indexed. Satisfies metrics.RegistrySource.
func (r *Registry) CapabilityCount() int {
	r.capMu.RLock()
	defer r.capMu.RUnlock()
	return len(r.capIndex)
}

// sweepExpired runs the expiry sweeper policy described in spec §4.5.3.
func (r *Registry) sweepExpired() {
	now := time.Now()
	var toExpire, toDegrade []*types.WorkerRegistration

	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, w := range sh.workers {
			age := now.Sub(w.LastSeen)
			switch {
			case age > r.cfg.WorkerTimeout:
				toExpire = append(toExpire, w)
			case age > r.cfg.HeartbeatGrace && w.State == types.WorkerStateHealthy:
				w.State = types.WorkerStateDegraded
				toDegrade = append(toDegrade, w)
			}
		}
		sh.mu.Unlock()
	}

	for _, w := range toDegrade {
		if err := r.store.UpdateWorker(w); err != nil {
			r.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("persist degraded state failed")
			continue
		}
		r.publish(events.EventWorkerDegraded, "worker degraded", w.WorkerID)
	}
	for _, w := range toExpire {
		if err := r.remove(w.WorkerID, "expired", types.WorkerStateExpired); err != nil {
			r.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("expire worker failed")
			continue
		}
		r.publish(events.EventWorkerExpired, "worker expired", w.WorkerID)
	}

	cutoff := now.Add(-r.cfg.TombstoneTTL)
	if err := r.store.PurgeTombstonesBefore(cutoff.UnixNano()); err != nil {
		r.logger.Error().Err(err).Msg("purge tombstones failed")
	}
}
