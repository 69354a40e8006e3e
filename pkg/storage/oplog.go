package storage

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// Bucket names for operation log storage. The ops bucket holds one nested
// bucket per shard (keyed by collection/shard), each mapping big-endian
// operation ids to opaque payloads. The assigned and applied buckets track,
// per shard, the highest operation id handed out and the highest id applied
// to local storage. Both survive restarts so recovery resumes catch-up
// instead of restarting it.
var (
	opsBucket      = []byte("ops")
	assignedBucket = []byte("assigned")
	appliedBucket  = []byte("applied")
)

// ErrOpNotFound is returned when an operation id is not present in a shard log.
var ErrOpNotFound = errors.New("operation not found in log")

// OpLog is a node-wide store of per-shard operation logs backed by a single
// BoltDB file. It is safe for concurrent use; per-shard ordering is the
// responsibility of the owning shard replica set, which serializes writes for
// its shard.
type OpLog struct {
	db   *bbolt.DB
	path string
}

// NewOpLog opens or creates the operation log database at the given path.
func NewOpLog(path string) (*OpLog, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{opsBucket, assignedBucket, appliedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &OpLog{db: db, path: path}, nil
}

// Close releases all database resources.
func (l *OpLog) Close() error {
	return l.db.Close()
}

// Shard returns a view of the log bound to one shard.
func (l *OpLog) Shard(collection string, shardID uint32) *ShardLog {
	return &ShardLog{
		log: l,
		key: []byte(fmt.Sprintf("%s/%d", collection, shardID)),
	}
}

// ShardLog is the append-only operation log of a single shard replica.
type ShardLog struct {
	log *OpLog
	key []byte
}

// Append assigns the next operation id, durably stores the payload under it
// and returns the id. Assignment and storage happen in one transaction, so an
// id is never observed without its payload.
func (s *ShardLog) Append(payload []byte) (uint64, error) {
	var id uint64
	err := s.log.db.Update(func(tx *bbolt.Tx) error {
		assigned := tx.Bucket(assignedBucket)
		last := assigned.Get(s.key)
		if last != nil {
			id = bytesToUint64(last)
		}
		id++

		shardBucket, err := tx.Bucket(opsBucket).CreateBucketIfNotExists(s.key)
		if err != nil {
			return fmt.Errorf("failed to create shard log bucket: %w", err)
		}
		if err := shardBucket.Put(uint64ToBytes(id), payload); err != nil {
			return fmt.Errorf("failed to append operation: %w", err)
		}
		return assigned.Put(s.key, uint64ToBytes(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AppendAt durably stores a payload under an explicit operation id. Used on
// replicas that receive forwarded operations with ids assigned elsewhere.
// Re-storing an existing id is a no-op (idempotent retransmission).
func (s *ShardLog) AppendAt(id uint64, payload []byte) error {
	return s.log.db.Update(func(tx *bbolt.Tx) error {
		shardBucket, err := tx.Bucket(opsBucket).CreateBucketIfNotExists(s.key)
		if err != nil {
			return fmt.Errorf("failed to create shard log bucket: %w", err)
		}
		key := uint64ToBytes(id)
		if shardBucket.Get(key) != nil {
			return nil
		}
		if err := shardBucket.Put(key, payload); err != nil {
			return fmt.Errorf("failed to append operation at id %d: %w", id, err)
		}

		assigned := tx.Bucket(assignedBucket)
		last := assigned.Get(s.key)
		if last == nil || bytesToUint64(last) < id {
			return assigned.Put(s.key, uint64ToBytes(id))
		}
		return nil
	})
}

// Get retrieves the payload stored under an operation id.
// Returns ErrOpNotFound if the id is absent (never assigned or trimmed).
func (s *ShardLog) Get(id uint64) ([]byte, error) {
	var payload []byte
	err := s.log.db.View(func(tx *bbolt.Tx) error {
		shardBucket := tx.Bucket(opsBucket).Bucket(s.key)
		if shardBucket == nil {
			return ErrOpNotFound
		}
		v := shardBucket.Get(uint64ToBytes(id))
		if v == nil {
			return ErrOpNotFound
		}
		payload = make([]byte, len(v))
		copy(payload, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// LastAssigned returns the highest operation id handed out for this shard.
// Returns 0 if no operation was ever assigned.
func (s *ShardLog) LastAssigned() (uint64, error) {
	var id uint64
	err := s.log.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(assignedBucket).Get(s.key); v != nil {
			id = bytesToUint64(v)
		}
		return nil
	})
	return id, err
}

// LastApplied returns the highest operation id applied to local storage.
// Returns 0 if nothing was ever applied.
func (s *ShardLog) LastApplied() (uint64, error) {
	var id uint64
	err := s.log.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(appliedBucket).Get(s.key); v != nil {
			id = bytesToUint64(v)
		}
		return nil
	})
	return id, err
}

// SetLastApplied records the highest operation id applied to local storage.
// Must be called only after the storage apply has succeeded.
func (s *ShardLog) SetLastApplied(id uint64) error {
	return s.log.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appliedBucket).Put(s.key, uint64ToBytes(id))
	})
}

// Range calls fn for every stored operation with from <= id <= to, in
// ascending id order. Missing ids inside the range are skipped; callers that
// need gap detection compare the ids passed to fn.
func (s *ShardLog) Range(from, to uint64, fn func(id uint64, payload []byte) error) error {
	if from > to {
		return nil
	}
	return s.log.db.View(func(tx *bbolt.Tx) error {
		shardBucket := tx.Bucket(opsBucket).Bucket(s.key)
		if shardBucket == nil {
			return nil
		}
		cursor := shardBucket.Cursor()
		for k, v := cursor.Seek(uint64ToBytes(from)); k != nil; k, v = cursor.Next() {
			id := bytesToUint64(k)
			if id > to {
				return nil
			}
			if err := fn(id, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// TrimBefore removes all operations with id < keep. Used to bound log growth
// once every replica of the shard has applied past the trimmed prefix.
func (s *ShardLog) TrimBefore(keep uint64) error {
	return s.log.db.Update(func(tx *bbolt.Tx) error {
		shardBucket := tx.Bucket(opsBucket).Bucket(s.key)
		if shardBucket == nil {
			return nil
		}
		cursor := shardBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytesToUint64(k) >= keep {
				return nil
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to trim operation log: %w", err)
			}
		}
		return nil
	})
}

// Reset clears the shard's log and positions both the assigned and applied
// markers at lastApplied. Called after a snapshot import replaces the
// replica's data wholesale.
func (s *ShardLog) Reset(lastApplied uint64) error {
	return s.log.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		if ops.Bucket(s.key) != nil {
			if err := ops.DeleteBucket(s.key); err != nil {
				return fmt.Errorf("failed to clear shard log: %w", err)
			}
		}
		if err := tx.Bucket(assignedBucket).Put(s.key, uint64ToBytes(lastApplied)); err != nil {
			return err
		}
		return tx.Bucket(appliedBucket).Put(s.key, uint64ToBytes(lastApplied))
	})
}

// Drop removes every trace of the shard from the log (data and markers).
// Called when the replica is removed from this node.
func (s *ShardLog) Drop() error {
	return s.log.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		if ops.Bucket(s.key) != nil {
			if err := ops.DeleteBucket(s.key); err != nil {
				return fmt.Errorf("failed to drop shard log: %w", err)
			}
		}
		if err := tx.Bucket(assignedBucket).Delete(s.key); err != nil {
			return err
		}
		return tx.Bucket(appliedBucket).Delete(s.key)
	})
}
