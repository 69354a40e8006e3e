// replica.go contains the local replica: the binding between one shard's
// operation log and its point storage. All apply-position bookkeeping for the
// replica lives here; the replica set and the transfer runner drive it.
package shard

import (
	"fmt"
	"io"
	"sync"

	"github.com/quiverdb/quiver/pkg/storage"
)

// LocalReplica is this node's copy of one shard. It owns the shard's
// operation log positions and enforces strict operation-id ordering: an
// operation is applied to storage only when every preceding id has been
// applied, and an already-applied id is a no-op.
type LocalReplica struct {
	collection string
	shardID    uint32
	log        *storage.ShardLog
	store      Storage

	// Serializes log appends and storage applies for this shard. Reads of
	// the applied position go through the log, which has its own locking.
	mu sync.Mutex
}

// NewLocalReplica binds a shard's operation log to its point storage.
func NewLocalReplica(collection string, shardID uint32, log *storage.ShardLog, store Storage) *LocalReplica {
	return &LocalReplica{
		collection: collection,
		shardID:    shardID,
		log:        log,
		store:      store,
	}
}

// Sequence assigns the next operation id and durably appends the payload
// under it. Returning from Sequence is the Acknowledged point of the write.
func (r *LocalReplica) Sequence(payload []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Append(payload)
}

// ApplySequenced applies an operation whose id this replica assigned itself.
// The sequencing replica applies in assignment order, so no gap is possible.
func (r *LocalReplica) ApplySequenced(opID uint64, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lastApplied, err := r.log.LastApplied()
	if err != nil {
		return err
	}
	if opID <= lastApplied {
		return nil
	}
	if err := r.store.Apply(r.collection, r.shardID, opID, payload); err != nil {
		return err
	}
	return r.log.SetLastApplied(opID)
}

// Receive stores a forwarded operation and applies it if it is next in
// sequence, draining any buffered successors. Returns the applied position
// after the call; applied reports whether opID itself has been applied.
// An opID at or below the applied position is an idempotent no-op.
func (r *LocalReplica) Receive(opID uint64, payload []byte) (applied bool, lastApplied uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lastApplied, err = r.log.LastApplied()
	if err != nil {
		return false, 0, err
	}
	if opID <= lastApplied {
		return true, lastApplied, nil
	}

	if err := r.log.AppendAt(opID, payload); err != nil {
		return false, lastApplied, err
	}

	lastApplied, err = r.drainLocked(lastApplied)
	if err != nil {
		return false, lastApplied, err
	}
	return opID <= lastApplied, lastApplied, nil
}

// drainLocked applies buffered operations in strictly contiguous id order
// starting after lastApplied, stopping at the first gap. Caller holds mu.
func (r *LocalReplica) drainLocked(lastApplied uint64) (uint64, error) {
	lastAssigned, err := r.log.LastAssigned()
	if err != nil {
		return lastApplied, err
	}

	next := lastApplied + 1
	var applyErr error
	err = r.log.Range(next, lastAssigned, func(id uint64, payload []byte) error {
		if id != next {
			// Gap: hold the rest until the missing ids arrive.
			return errStopDrain
		}
		if err := r.store.Apply(r.collection, r.shardID, id, payload); err != nil {
			applyErr = err
			return errStopDrain
		}
		if err := r.log.SetLastApplied(id); err != nil {
			applyErr = err
			return errStopDrain
		}
		lastApplied = id
		next++
		return nil
	})
	if err != nil && err != errStopDrain {
		return lastApplied, err
	}
	return lastApplied, applyErr
}

var errStopDrain = fmt.Errorf("stop drain")

// Recover re-applies any operations that were durably logged but not yet
// applied before a restart. Called once when the replica is opened.
func (r *LocalReplica) Recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lastApplied, err := r.log.LastApplied()
	if err != nil {
		return err
	}
	_, err = r.drainLocked(lastApplied)
	return err
}

// LastApplied returns the highest applied operation id.
func (r *LocalReplica) LastApplied() (uint64, error) {
	return r.log.LastApplied()
}

// Operations replays stored operations with from <= id <= to in ascending
// order, as used for lag repair and transfer catch-up.
func (r *LocalReplica) Operations(from, to uint64, fn func(id uint64, payload []byte) error) error {
	return r.log.Range(from, to, fn)
}

// Export produces a consistent snapshot stream of the shard's data plus the
// applied position at the moment of the export. Operations after the cutoff
// must be replayed from the log on the importing side.
func (r *LocalReplica) Export() (io.ReadCloser, uint64, error) {
	r.mu.Lock()
	cutoff, err := r.log.LastApplied()
	if err != nil {
		r.mu.Unlock()
		return nil, 0, err
	}
	rc, err := r.store.SnapshotExport(r.collection, r.shardID)
	r.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return rc, cutoff, nil
}

// ImportSnapshot replaces the replica's data with a snapshot stream and
// positions the operation log at the snapshot's cutoff, so catch-up resumes
// from there.
func (r *LocalReplica) ImportSnapshot(snapshot io.Reader, cutoff uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SnapshotImport(r.collection, r.shardID, snapshot); err != nil {
		return err
	}
	return r.log.Reset(cutoff)
}

// Drop removes the replica's data and log from this node.
func (r *LocalReplica) Drop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Drop(r.collection, r.shardID); err != nil {
		return err
	}
	return r.log.Drop()
}
