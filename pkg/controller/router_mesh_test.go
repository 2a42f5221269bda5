package controller

import (
	"testing"

	"github.com/crankbird/crank/pkg/types"
)

type fakeMeshSource struct {
	snapshots []*types.MeshSnapshot
}

func (f *fakeMeshSource) CandidatesForCapability(capabilityID string) []*types.MeshSnapshot {
	var out []*types.MeshSnapshot
	for _, s := range f.snapshots {
		for _, def := range s.Capabilities {
			if def.ID == capabilityID {
				out = append(out, s)
			}
		}
	}
	return out
}

func TestRouter_Dispatch_FallsBackToMeshOnRouteAny(t *testing.T) {
	registry := newTestRegistry(t)
	router := NewRouter(registry, "", nil)
	router.SetMeshSource(&fakeMeshSource{snapshots: []*types.MeshSnapshot{
		{
			WorkerID:     "remote-worker-1",
			Endpoint:     "remote-worker-1.peer:9000",
			State:        types.WorkerStateHealthy,
			Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
		},
	}})

	result, err := router.Dispatch(&types.JobRequest{
		CapabilityID:    "transcode",
		RequiredVersion: "1.0.0",
		RoutePolicy:     types.RoutePolicyAny,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.WorkerID != "remote-worker-1" {
		t.Errorf("WorkerID = %q, want remote-worker-1", result.WorkerID)
	}
	if result.Reason != "no-local-satisfier" {
		t.Errorf("Reason = %q, want no-local-satisfier", result.Reason)
	}
}

func TestRouter_Dispatch_PrefersLocalOverMesh(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "local-worker-1", "transcode", "")

	router := NewRouter(registry, "", nil)
	router.SetMeshSource(&fakeMeshSource{snapshots: []*types.MeshSnapshot{
		{
			WorkerID:     "remote-worker-1",
			Endpoint:     "remote-worker-1.peer:9000",
			State:        types.WorkerStateHealthy,
			Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
		},
	}})

	result, err := router.Dispatch(&types.JobRequest{
		CapabilityID:    "transcode",
		RequiredVersion: "1.0.0",
		RoutePolicy:     types.RoutePolicyAny,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.WorkerID != "local-worker-1" {
		t.Errorf("WorkerID = %q, want local-worker-1 (local must win over mesh)", result.WorkerID)
	}
}

func TestRouter_Dispatch_NoMeshFallbackWithoutRouteAny(t *testing.T) {
	registry := newTestRegistry(t)
	router := NewRouter(registry, "", nil)
	router.SetMeshSource(&fakeMeshSource{snapshots: []*types.MeshSnapshot{
		{
			WorkerID:     "remote-worker-1",
			State:        types.WorkerStateHealthy,
			Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
		},
	}})

	_, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	if err == nil {
		t.Fatal("expected default route policy to never fall back to mesh")
	}
}
