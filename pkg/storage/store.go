package storage

import (
	"github.com/crankbird/crank/pkg/types"
)

// Store defines the persistence interface for controller state. It is
// implemented by BoltStore (go.etcd.io/bbolt).
type Store interface {
	// Worker registrations
	CreateWorker(reg *types.WorkerRegistration) error
	GetWorker(workerID string) (*types.WorkerRegistration, error)
	ListWorkers() ([]*types.WorkerRegistration, error)
	UpdateWorker(reg *types.WorkerRegistration) error
	DeleteWorker(workerID string) error

	// Tombstones (short-lived audit record after a registration is removed)
	CreateTombstone(t *types.Tombstone) error
	ListTombstones() ([]*types.Tombstone, error)
	PurgeTombstonesBefore(cutoffUnixNano int64) error

	// Certificate Authority material (root key/cert, encrypted at rest)
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Revoked certificate serial numbers
	AddRevokedSerial(serial string) error
	ListRevokedSerials() ([]string, error)

	// Utility
	Close() error
}
