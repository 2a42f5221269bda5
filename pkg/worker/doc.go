// Package worker implements the runtime base every capability process
// embeds: certificate bootstrap, registration, heartbeat, graceful
// shutdown, and health endpoints. Capability-specific behavior is
// supplied by a CapabilityHandler implementation; this package never
// executes job logic itself.
package worker
