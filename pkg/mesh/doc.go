// Package mesh implements the optional multi-controller leaf of spec
// §4.6: periodic snapshot exchange over mTLS, local-first routing
// preference, last-writer-wins state merge, and stale-entry eviction.
// A single-controller deployment never needs this package; it exists
// for fleets running more than one controller process.
package mesh
