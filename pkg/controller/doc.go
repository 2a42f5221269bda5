// Package controller implements the controller side of the fleet
// runtime: worker registration and heartbeat tracking, capability-based
// job routing, the admin privilege boundary, and the periodic sweep
// that expires silent workers and purges old tombstones.
package controller
