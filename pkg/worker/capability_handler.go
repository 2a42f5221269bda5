package worker

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/crankbird/crank/pkg/types"
)

// CapabilityHandler is the extension hook a worker process implements to
// present one or more capabilities (spec §1: "per-worker business logic
// is out of scope, named only by the capability contract it presents").
// Worker owns registration, heartbeat, certificates and shutdown;
// CapabilityHandler owns everything that happens once a job actually
// reaches this process.
type CapabilityHandler interface {
	// Capabilities returns the capability definitions this process
	// advertises at registration. Each must pass capability.Validate.
	Capabilities() []types.CapabilityDefinition

	// SetupRoutes registers the handler's capability endpoints on
	// router. Routes are served behind the same mTLS listener as the
	// worker's health endpoints.
	SetupRoutes(router *mux.Router)

	// OnStartup runs once, after mTLS is established but before the
	// worker registers with the controller. A non-nil error aborts
	// startup.
	OnStartup(ctx context.Context) error

	// OnShutdown runs during graceful shutdown, before deregistration,
	// with ctx bounded by the worker's shutdown_grace. Implementations
	// should let in-flight jobs drain within ctx's deadline.
	OnShutdown(ctx context.Context) error
}
