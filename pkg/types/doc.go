/*
Package types defines the core data structures shared across the fleet
runtime: capability definitions, worker registrations, routing entries,
and the mesh snapshots controllers exchange.

These types are the contract between pkg/capability (schema and version
validation), pkg/controller (registry and routing), pkg/worker (manifest
declaration and heartbeat), and pkg/mesh (cross-controller state
exchange). They are JSON-serializable throughout; BoltDB (pkg/storage)
stores them as JSON blobs keyed by worker_id.

# Core Types

Capability Schema:
  - CapabilityDefinition: the typed contract a worker advertises
  - IOContract: input/output JSON Schema plus the capability's error taxonomy

Registry:
  - WorkerRegistration: controller-side record of an enrolled worker
  - WorkerState: REGISTERED, HEALTHY, DEGRADED, EXPIRED, REVOKED
  - Tombstone: short-lived audit record kept after a registration is removed
  - CapabilityRouteEntry: one routing candidate for a capability id

Dispatch:
  - JobRequest / JobResult: the dispatch descriptor and its outcome
  - RoutePolicy: default, tolerate-degraded, or any

Mesh:
  - MeshSnapshot: the periodic cross-controller state exchange record
*/
package types
