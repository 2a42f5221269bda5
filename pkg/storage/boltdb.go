package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/crankbird/crank/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkers    = []byte("workers")
	bucketTombstones = []byte("tombstones")
	bucketCA         = []byte("ca")
	bucketRevoked    = []byte("revoked_serials")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir and
// ensures every bucket the controller needs exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "controller.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketWorkers, bucketTombstones, bucketCA, bucketRevoked}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Worker registration operations

func (s *BoltStore) CreateWorker(reg *types.WorkerRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(reg.WorkerID), data)
	})
}

func (s *BoltStore) GetWorker(workerID string) (*types.WorkerRegistration, error) {
	var reg types.WorkerRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return fmt.Errorf("worker not found: %s", workerID)
		}
		return json.Unmarshal(data, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerRegistration, error) {
	var regs []*types.WorkerRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var reg types.WorkerRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			regs = append(regs, &reg)
			return nil
		})
	})
	return regs, err
}

func (s *BoltStore) UpdateWorker(reg *types.WorkerRegistration) error {
	return s.CreateWorker(reg) // upsert
}

func (s *BoltStore) DeleteWorker(workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(workerID))
	})
}

// Tombstone operations. Keys are worker_id plus a big-endian RemovedAt
// suffix so ForEach iterates grouped by worker_id, oldest first within
// each worker, and PurgeTombstonesBefore
// can do a prefix-free cutoff scan.

func (s *BoltStore) CreateTombstone(t *types.Tombstone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		key := tombstoneKey(t.WorkerID, t.RemovedAt.UnixNano())
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListTombstones() ([]*types.Tombstone, error) {
	var tombstones []*types.Tombstone
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		return b.ForEach(func(k, v []byte) error {
			var t types.Tombstone
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tombstones = append(tombstones, &t)
			return nil
		})
	})
	return tombstones, err
}

func (s *BoltStore) PurgeTombstonesBefore(cutoffUnixNano int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t types.Tombstone
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.RemovedAt.UnixNano() < cutoffUnixNano {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func tombstoneKey(workerID string, removedAtUnixNano int64) []byte {
	key := make([]byte, len(workerID)+1+8)
	copy(key, workerID)
	key[len(workerID)] = '/'
	binary.BigEndian.PutUint64(key[len(workerID)+1:], uint64(removedAtUnixNano))
	return key
}

// Certificate Authority operations

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// Revoked serial operations

func (s *BoltStore) AddRevokedSerial(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevoked)
		return b.Put([]byte(serial), []byte{1})
	})
}

func (s *BoltStore) ListRevokedSerials() ([]string, error) {
	var serials []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevoked)
		return b.ForEach(func(k, v []byte) error {
			serials = append(serials, string(k))
			return nil
		})
	})
	return serials, err
}
