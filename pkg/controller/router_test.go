package controller

import (
	"testing"

	"github.com/crankbird/crank/pkg/types"
)

func registerHealthyWorker(t *testing.T, registry *Registry, workerID, capabilityID, nodeAffinity string) {
	t.Helper()
	reg := &types.WorkerRegistration{
		WorkerID:     workerID,
		Endpoint:     workerID + ".internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability(capabilityID)},
		NodeAffinity: nodeAffinity,
	}
	if _, _, err := registry.Register(reg, workerID+"-serial"); err != nil {
		t.Fatalf("Register(%s): %v", workerID, err)
	}
	if err := registry.Heartbeat(workerID); err != nil {
		t.Fatalf("Heartbeat(%s): %v", workerID, err)
	}
}

func TestRouter_DispatchPicksCompatibleWorker(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "worker-1", "transcode", "")

	router := NewRouter(registry, "", nil)
	result, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", result.WorkerID)
	}
	if result.Status != "dispatched" {
		t.Errorf("Status = %q, want dispatched", result.Status)
	}
}

func TestRouter_Dispatch_UnsatisfiedCapability(t *testing.T) {
	registry := newTestRegistry(t)
	router := NewRouter(registry, "", nil)

	_, err := router.Dispatch(&types.JobRequest{CapabilityID: "nonexistent", RequiredVersion: "1.0.0"})
	if err == nil {
		t.Fatal("expected an error for an unregistered capability")
	}
	if _, ok := err.(*UnsatisfiedCapabilityError); !ok {
		t.Errorf("expected *UnsatisfiedCapabilityError, got %T", err)
	}
}

func TestRouter_Dispatch_ExcludesDegradedByDefault(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "worker-1", "transcode", "")

	w, _ := registry.GetWorker("worker-1")
	w.State = types.WorkerStateDegraded

	router := NewRouter(registry, "", nil)
	_, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	if err == nil {
		t.Fatal("expected degraded-only candidates to be rejected under the default route policy")
	}
}

func TestRouter_Dispatch_ToleratesDegradedWhenRequested(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "worker-1", "transcode", "")

	w, _ := registry.GetWorker("worker-1")
	w.State = types.WorkerStateDegraded

	router := NewRouter(registry, "", nil)
	result, err := router.Dispatch(&types.JobRequest{
		CapabilityID:    "transcode",
		RequiredVersion: "1.0.0",
		RoutePolicy:     types.RoutePolicyTolerateDegraded,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", result.WorkerID)
	}
}

func TestRouter_Dispatch_RejectsIncompatibleMajorVersion(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "worker-1", "transcode", "")

	router := NewRouter(registry, "", nil)
	_, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "2.0.0"})
	if err == nil {
		t.Fatal("expected a major-version mismatch to be rejected")
	}
}

func TestRouter_Dispatch_RejectsPayloadViolatingInputSchema(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID: "worker-1",
		Endpoint: "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{{
			ID:      "transcode",
			Version: "1.0.0",
			IOContract: types.IOContract{
				InputSchema: map[string]interface{}{
					"type":                 "object",
					"required":             []interface{}{"source_url"},
					"additionalProperties": true,
				},
			},
		}},
	}
	if _, _, err := registry.Register(reg, "worker-1-serial"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Heartbeat("worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	router := NewRouter(registry, "", nil)
	_, err := router.Dispatch(&types.JobRequest{
		CapabilityID:    "transcode",
		RequiredVersion: "1.0.0",
		Payload:         map[string]interface{}{"wrong_field": "value"},
	})
	if err == nil {
		t.Fatal("expected a payload missing a required field to be rejected")
	}
	if _, ok := err.(*InvalidPayloadError); !ok {
		t.Errorf("expected *InvalidPayloadError, got %T", err)
	}
}

func TestRouter_Dispatch_SpreadsLoadAcrossIdleCandidates(t *testing.T) {
	registry := newTestRegistry(t)
	registerHealthyWorker(t, registry, "worker-1", "transcode", "")
	registerHealthyWorker(t, registry, "worker-2", "transcode", "")

	router := NewRouter(registry, "", nil)
	first, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	second, err := router.Dispatch(&types.JobRequest{CapabilityID: "transcode", RequiredVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first.WorkerID == second.WorkerID {
		t.Error("expected the second dispatch to prefer the worker not just used")
	}
}
