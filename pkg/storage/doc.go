/*
Package storage provides BoltDB-backed persistence for controller state.

BoltStore implements Store using go.etcd.io/bbolt: ACID transactions over
four buckets (workers, tombstones, ca, revoked_serials). Every value is a
JSON blob; BoltDB's single-writer-multi-reader model gives the controller
serializable reads without an external database.

	store, err := storage.NewBoltStore("/var/lib/crank")
	defer store.Close()

	store.CreateWorker(&types.WorkerRegistration{WorkerID: "worker-7f2a", ...})
	reg, err := store.GetWorker("worker-7f2a")

Tombstone keys are worker_id plus a big-endian RemovedAt suffix so
PurgeTombstonesBefore can scan and delete stale entries without an index.
The CA bucket holds the encrypted root key/cert pair under a fixed key;
revoked_serials is an append-only set consulted by pkg/ca's revocation
endpoint.
*/
package storage
