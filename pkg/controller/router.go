package controller

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/capability"
	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/metrics"
	"github.com/crankbird/crank/pkg/types"
)

// UnsatisfiedCapabilityError is returned by Dispatch when no registered
// worker can satisfy a job (spec §4.5.4 step 5: "no silent fallback").
type UnsatisfiedCapabilityError struct {
	CapabilityID string
}

func (e *UnsatisfiedCapabilityError) Error() string {
	return "unsatisfied capability: " + e.CapabilityID
}

// InvalidPayloadError is returned by Dispatch when a job's payload fails
// the chosen worker's advertised input_schema (spec §4.5.4/§5: payload
// shape is validated at dispatch time, before the worker ever sees it).
type InvalidPayloadError struct {
	CapabilityID string
	Err          error
}

func (e *InvalidPayloadError) Error() string {
	return "invalid payload for capability " + e.CapabilityID + ": " + e.Err.Error()
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// findCapabilityDefinition returns the capability definition worker
// advertises for capabilityID, or nil if it advertises none (e.g. a
// stale route entry). Used to fetch the input_schema to validate
// against, since CapabilityRouteEntry itself only carries version and
// constraints.
func findCapabilityDefinition(worker *types.WorkerRegistration, capabilityID string) *types.CapabilityDefinition {
	for i := range worker.Capabilities {
		if worker.Capabilities[i].ID == capabilityID {
			return &worker.Capabilities[i]
		}
	}
	return nil
}

// MeshCandidateSource is the read-only view of mesh peer state a Router
// consults when route_policy=any and no local candidate satisfies a
// job (spec §4.6). pkg/mesh.PeerStore satisfies this.
type MeshCandidateSource interface {
	CandidatesForCapability(capabilityID string) []*types.MeshSnapshot
}

// Router implements the capability routing algorithm of spec §4.5.4: a
// candidate lookup, compatibility filter, worker-state filter, and a
// same-node/least-recently-dispatched preference order.
type Router struct {
	registry    *Registry
	localNodeID string
	broker      *events.Broker
	logger      zerolog.Logger
	mesh        MeshCandidateSource

	mu             sync.Mutex
	lastDispatched map[string]time.Time
}

// SetMeshSource attaches a mesh peer store so route_policy=any dispatch
// requests can fall back to a remote controller's workers when no
// local candidate satisfies the job. Mesh participation is optional
// (spec §4.6); a Router with no mesh source simply never falls back.
func (rt *Router) SetMeshSource(mesh MeshCandidateSource) {
	rt.mesh = mesh
}

// NewRouter builds a Router over registry. localNodeID identifies this
// controller for the mesh's "same-node" preference (spec §4.6); an empty
// value disables node-affinity filtering.
func NewRouter(registry *Registry, localNodeID string, broker *events.Broker) *Router {
	return &Router{
		registry:       registry,
		localNodeID:    localNodeID,
		broker:         broker,
		logger:         log.WithComponent("controller-router"),
		lastDispatched: make(map[string]time.Time),
	}
}

// Dispatch routes job to the best-fit worker, or returns
// *UnsatisfiedCapabilityError if none qualifies.
func (rt *Router) Dispatch(job *types.JobRequest) (*types.JobResult, error) {
	timer := metrics.NewTimer()
	defer func() { metrics.DispatchLatency.Observe(timer.Duration().Seconds()) }()

	requested := &types.CapabilityDefinition{
		ID:          job.CapabilityID,
		Version:     job.RequiredVersion,
		Constraints: job.RequiredConstraints,
	}

	allowDegraded := job.RoutePolicy == types.RoutePolicyTolerateDegraded

	var candidates []*types.WorkerRegistration
	for _, entry := range rt.registry.CandidatesForCapability(job.CapabilityID) {
		advertised := &types.CapabilityDefinition{ID: job.CapabilityID, Version: entry.Version, Constraints: entry.Constraints}
		if !capability.IsCompatible(requested, advertised) {
			continue
		}
		w, ok := rt.registry.GetWorker(entry.WorkerID)
		if !ok {
			continue
		}
		if w.State != types.WorkerStateHealthy && !(allowDegraded && w.State == types.WorkerStateDegraded) {
			continue
		}
		candidates = append(candidates, w)
	}

	if len(candidates) == 0 {
		if job.RoutePolicy == types.RoutePolicyAny && rt.mesh != nil {
			if result, ok := rt.dispatchToMesh(job, requested); ok {
				return result, nil
			}
		}
		metrics.DispatchTotal.WithLabelValues("rejected").Inc()
		rt.publishRejected(job.CapabilityID, "unsatisfied-capability")
		return &types.JobResult{Status: "rejected", Reason: "unsatisfied-capability", DispatchedAt: time.Now()},
			&UnsatisfiedCapabilityError{CapabilityID: job.CapabilityID}
	}

	pool := rt.preferLocal(candidates)
	chosen := rt.leastRecentlyDispatched(pool)

	if def := findCapabilityDefinition(chosen, job.CapabilityID); def != nil {
		if err := capability.ValidatePayload(def, job.Payload); err != nil {
			metrics.DispatchTotal.WithLabelValues("rejected").Inc()
			rt.publishRejected(job.CapabilityID, "invalid-payload")
			return &types.JobResult{Status: "rejected", Reason: "invalid-payload", DispatchedAt: time.Now()},
				&InvalidPayloadError{CapabilityID: job.CapabilityID, Err: err}
		}
	}

	rt.mu.Lock()
	rt.lastDispatched[chosen.WorkerID] = time.Now()
	rt.mu.Unlock()

	metrics.DispatchTotal.WithLabelValues("dispatched").Inc()
	if rt.broker != nil {
		rt.broker.Publish(&events.Event{
			Type:     events.EventJobDispatched,
			Message:  "job dispatched",
			Metadata: map[string]string{"capability_id": job.CapabilityID, "worker_id": chosen.WorkerID},
		})
	}

	return &types.JobResult{
		WorkerID:     chosen.WorkerID,
		Endpoint:     chosen.Endpoint,
		Status:       "dispatched",
		DispatchedAt: time.Now(),
	}, nil
}

// dispatchToMesh implements spec §4.6's route_policy=any fallback: a
// remote peer is used only when no local candidate exists, and the
// result always records reason=no-local-satisfier so callers can tell
// local and remote dispatch apart.
func (rt *Router) dispatchToMesh(job *types.JobRequest, requested *types.CapabilityDefinition) (*types.JobResult, bool) {
	var remote *types.MeshSnapshot
	for _, snap := range rt.mesh.CandidatesForCapability(job.CapabilityID) {
		var version string
		for _, def := range snap.Capabilities {
			if def.ID == job.CapabilityID {
				version = def.Version
				break
			}
		}
		advertised := &types.CapabilityDefinition{ID: job.CapabilityID, Version: version}
		if !capability.IsCompatible(requested, advertised) {
			continue
		}
		remote = snap
		break
	}
	if remote == nil {
		return nil, false
	}

	metrics.DispatchTotal.WithLabelValues("dispatched-remote").Inc()
	if rt.broker != nil {
		rt.broker.Publish(&events.Event{
			Type:     events.EventJobDispatched,
			Message:  "job dispatched to remote mesh peer",
			Metadata: map[string]string{"capability_id": job.CapabilityID, "worker_id": remote.WorkerID, "reason": "no-local-satisfier"},
		})
	}
	return &types.JobResult{
		WorkerID:     remote.WorkerID,
		Endpoint:     remote.Endpoint,
		Status:       "dispatched",
		Reason:       "no-local-satisfier",
		DispatchedAt: time.Now(),
	}, true
}

func (rt *Router) publishRejected(capabilityID, reason string) {
	if rt.broker == nil {
		return
	}
	rt.broker.Publish(&events.Event{
		Type:     events.EventJobRejected,
		Message:  "job rejected",
		Metadata: map[string]string{"capability_id": capabilityID, "reason": reason},
	})
}

// preferLocal narrows candidates to same-node workers when any exist
// (spec §4.6 "same-node workers... if mesh node affinity is known");
// with no affinity information at all (single-controller deployments)
// every worker is effectively local, so the full candidate set passes
// through unchanged.
func (rt *Router) preferLocal(candidates []*types.WorkerRegistration) []*types.WorkerRegistration {
	if rt.localNodeID == "" {
		return candidates
	}
	var local []*types.WorkerRegistration
	for _, w := range candidates {
		if w.NodeAffinity == "" || w.NodeAffinity == rt.localNodeID {
			local = append(local, w)
		}
	}
	if len(local) == 0 {
		return candidates
	}
	return local
}

// leastRecentlyDispatched picks the candidate dispatched longest ago
// (or never), breaking ties deterministically by worker_id hash so load
// spreads evenly across equally-idle candidates.
func (rt *Router) leastRecentlyDispatched(candidates []*types.WorkerRegistration) *types.WorkerRegistration {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := rt.lastDispatched[candidates[i].WorkerID], rt.lastDispatched[candidates[j].WorkerID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return workerHash(candidates[i].WorkerID) < workerHash(candidates[j].WorkerID)
	})
	return candidates[0]
}

func workerHash(workerID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(workerID))
	return h.Sum32()
}
