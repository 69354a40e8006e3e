// Package shard implements the replication layer between the cluster topology
// and point storage: per-shard replica sets that fan out writes with tunable
// wait semantics, the shard manager that routes operations and reacts to
// committed topology changes, and the shard transfer state machine that moves
// or recovers replicas.
package shard

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// UpdateStatus is the visibility level reached by a submitted operation.
type UpdateStatus int

const (
	// Acknowledged means the operation is durably appended to the local
	// operation log but not yet guaranteed applied on every replica.
	Acknowledged UpdateStatus = iota
	// Completed means every Active replica has acknowledged applying the
	// operation; it is safe to consider visible cluster-wide.
	Completed
)

// String returns a human-readable representation of the UpdateStatus.
func (s UpdateStatus) String() string {
	switch s {
	case Acknowledged:
		return "acknowledged"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Error variables for shard operations.
var (
	// ErrStaleTopology is returned when an operation addresses a collection,
	// shard, or replica that no longer exists in the committed topology.
	// Callers should refresh their view and retry.
	ErrStaleTopology = errors.New("operation addresses stale topology")
	// ErrCollectionNotFound is returned when the collection name or alias
	// resolves to nothing.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrNotShardHolder is returned when this node holds no replica of the
	// target shard. The caller should retry against a holding peer.
	ErrNotShardHolder = errors.New("node holds no replica of the shard")
	// ErrReplicaInitializing is returned when the local replica has not been
	// activated yet. Retryable: activation lands through consensus once the
	// replica has caught up.
	ErrReplicaInitializing = errors.New("replica is initializing")
	// ErrOperationGap is returned by a receiving replica that is missing one
	// or more preceding operations. The sender resends the gap.
	ErrOperationGap = errors.New("preceding operations missing")
	// ErrTransferFailed is returned when a shard transfer exhausts its retry
	// budget.
	ErrTransferFailed = errors.New("shard transfer failed")
)

// PartialFailureError reports a wait=true submission for which one or more
// Active replicas could not acknowledge. The operation is durably logged and
// the failed replicas are marked Dead through consensus, so the submission
// still carries a best-known status of Acknowledged.
type PartialFailureError struct {
	Collection  string
	ShardID     uint32
	OperationID uint64
	FailedPeers []uint64
}

// Error returns a string representation of the error.
func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("operation %d on %s/%d not acknowledged by replicas %v",
		e.OperationID, e.Collection, e.ShardID, e.FailedPeers)
}

// Storage is the point storage collaborator backing local shard replicas.
// Apply must be idempotent per (collection, shard, operation id): the replica
// layer already filters duplicate ids, but a crash between the storage apply
// and the applied-marker update makes one replay possible.
type Storage interface {
	// Apply executes one opaque operation payload against the shard's data.
	Apply(collection string, shardID uint32, opID uint64, payload []byte) error

	// SnapshotExport streams a point-in-time copy of the shard's data.
	SnapshotExport(collection string, shardID uint32) (io.ReadCloser, error)

	// SnapshotImport replaces the shard's data with an exported stream.
	SnapshotImport(collection string, shardID uint32, r io.Reader) error

	// Drop removes all data of the shard from this node.
	Drop(collection string, shardID uint32) error
}

// Proposer submits metadata commands to cluster consensus. Implemented by the
// consensus core; the shard layer never mutates topology directly.
type Proposer interface {
	Propose(cmd []byte, timeout time.Duration) (uint64, error)
}

// AddressResolver maps a peer id to its network address using the current
// cluster membership. The second return is false for unknown peers.
type AddressResolver func(peerID uint64) (string, bool)
