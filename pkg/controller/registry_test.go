package controller

import (
	"testing"
	"time"

	"github.com/crankbird/crank/pkg/storage"
	"github.com/crankbird/crank/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &Config{
		WorkerTimeout:     120 * time.Second,
		HeartbeatGrace:    60 * time.Second,
		TombstoneTTL:      time.Hour,
		RevocationDenyTTL: time.Minute,
	}
	registry, err := NewRegistry(store, cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func basicCapability(id string) types.CapabilityDefinition {
	return types.CapabilityDefinition{ID: id, Version: "1.0.0"}
}

func TestRegistry_RegisterAndHeartbeat(t *testing.T) {
	registry := newTestRegistry(t)

	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	}
	token, state, err := registry.Register(reg, "serial-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty registration token")
	}
	if state != types.WorkerStateRegistered {
		t.Errorf("state = %v, want REGISTERED", state)
	}

	if err := registry.Heartbeat("worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	w, ok := registry.GetWorker("worker-1")
	if !ok {
		t.Fatal("expected worker to be present after heartbeat")
	}
	if w.State != types.WorkerStateHealthy {
		t.Errorf("state after heartbeat = %v, want HEALTHY", w.State)
	}
}

func TestRegistry_Heartbeat_UnknownWorker(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Heartbeat("ghost"); err != ErrUnknownWorker {
		t.Errorf("err = %v, want ErrUnknownWorker", err)
	}
}

func TestRegistry_Register_RejectsFingerprintMismatch(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{WorkerID: "worker-1", Capabilities: nil}

	if _, _, err := registry.Register(reg, "serial-1"); err != nil {
		t.Fatalf("initial Register: %v", err)
	}
	if err := registry.Heartbeat("worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	_, _, err := registry.Register(&types.WorkerRegistration{WorkerID: "worker-1"}, "serial-2")
	if err == nil {
		t.Fatal("expected re-registration under a different fingerprint to be rejected")
	}
	if _, ok := err.(*RegistrationRejectedError); !ok {
		t.Errorf("expected *RegistrationRejectedError, got %T", err)
	}
}

func TestRegistry_Register_RejectsInvalidCapability(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Capabilities: []types.CapabilityDefinition{{ID: "", Version: "not-semver"}},
	}
	if _, _, err := registry.Register(reg, "serial-1"); err == nil {
		t.Fatal("expected invalid capability manifest to be rejected")
	}
}

func TestRegistry_DeregisterRemovesWorkerAndIndex(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	}
	if _, _, err := registry.Register(reg, "serial-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Deregister("worker-1", "test"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := registry.GetWorker("worker-1"); ok {
		t.Error("worker should be gone after deregister")
	}
	if len(registry.CandidatesForCapability("transcode")) != 0 {
		t.Error("capability index should not reference a deregistered worker")
	}

	tombstones, err := registry.ListTombstones()
	if err != nil {
		t.Fatalf("ListTombstones: %v", err)
	}
	if len(tombstones) != 1 {
		t.Fatalf("expected one tombstone, got %d", len(tombstones))
	}
}

func TestRegistry_RevokeDeniesReRegistration(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{WorkerID: "worker-1"}
	if _, _, err := registry.Register(reg, "serial-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Revoke("worker-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, _, err := registry.Register(&types.WorkerRegistration{WorkerID: "worker-1"}, "serial-1")
	if err == nil {
		t.Fatal("expected re-registration to be denied after revoke")
	}
}

func TestRegistry_SweepExpired_ExpiresSilentWorker(t *testing.T) {
	registry := newTestRegistry(t)
	registry.cfg.HeartbeatGrace = 0
	registry.cfg.WorkerTimeout = 0

	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	}
	if _, _, err := registry.Register(reg, "serial-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Heartbeat("worker-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	registry.sweepExpired()

	if _, ok := registry.GetWorker("worker-1"); ok {
		t.Error("expected worker to be expired and removed by sweepExpired")
	}
}

func TestRegistry_Register_IdempotentOnIdenticalResubmission(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
		NodeAffinity: "zone-a",
	}
	first, _, err := registry.Register(reg, "serial-1")
	if err != nil {
		t.Fatalf("initial Register: %v", err)
	}

	resubmit := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
		NodeAffinity: "zone-a",
	}
	second, state, err := registry.Register(resubmit, "serial-1")
	if err != nil {
		t.Fatalf("resubmitted Register: %v", err)
	}
	if second != first {
		t.Errorf("token = %q, want the token from the first registration (%q)", second, first)
	}
	if state != types.WorkerStateRegistered {
		t.Errorf("state = %v, want REGISTERED", state)
	}
}

func TestRegistry_Register_ChangedBodyMintsFreshToken(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9000",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	}
	first, _, err := registry.Register(reg, "serial-1")
	if err != nil {
		t.Fatalf("initial Register: %v", err)
	}

	changed := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Endpoint:     "worker-1.internal:9001",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode")},
	}
	second, _, err := registry.Register(changed, "serial-1")
	if err != nil {
		t.Fatalf("changed Register: %v", err)
	}
	if second == first {
		t.Error("expected a fresh token when the registration body changes")
	}
}

func TestRegistry_CapabilityCountAndCandidates(t *testing.T) {
	registry := newTestRegistry(t)
	reg := &types.WorkerRegistration{
		WorkerID:     "worker-1",
		Capabilities: []types.CapabilityDefinition{basicCapability("transcode"), basicCapability("thumbnail")},
	}
	if _, _, err := registry.Register(reg, "serial-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := registry.CapabilityCount(); got != 2 {
		t.Errorf("CapabilityCount() = %d, want 2", got)
	}
	candidates := registry.CandidatesForCapability("transcode")
	if len(candidates) != 1 || candidates[0].WorkerID != "worker-1" {
		t.Errorf("unexpected candidates: %+v", candidates)
	}
}
