// replica_set.go contains the per-shard write fan-out: operation id
// assignment, forwarding to remote replicas, lag repair, and the
// Acknowledged/Completed wait contract.
package shard

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
)

// DefaultForwardTimeout bounds a single forward RPC to a remote replica.
const DefaultForwardTimeout = 2 * time.Second

// maxLagRepairRounds bounds how many times a forward resends missing
// operations to a lagging replica before giving up on it.
const maxLagRepairRounds = 3

// DeadReplicaReporter is called when a forward to a replica fails. The
// implementation proposes the state change through consensus; the replica set
// never mutates topology directly.
type DeadReplicaReporter func(collection string, shardID uint32, peerID uint64)

// ReplicaSet owns the write path of one shard: it assigns operation ids,
// applies locally, and fans out to the other replicas according to the
// committed topology.
type ReplicaSet struct {
	collection string
	shardID    uint32
	selfID     uint64

	local     *LocalReplica
	view      func() *topology.State
	transport transport.ReplicaTransport
	resolve   AddressResolver
	report    DeadReplicaReporter

	forwardTimeout time.Duration

	// Serializes submissions so operation ids leave this shard in apply
	// order. Fan-out for one operation finishes before the next id is
	// assigned, which keeps remote replicas gap-free in the common case.
	mu sync.Mutex
}

// NewReplicaSet creates the write path for one shard replica hosted on this node.
func NewReplicaSet(collection string, shardID uint32, selfID uint64, local *LocalReplica,
	view func() *topology.State, rt transport.ReplicaTransport, resolve AddressResolver,
	report DeadReplicaReporter) *ReplicaSet {

	return &ReplicaSet{
		collection:     collection,
		shardID:        shardID,
		selfID:         selfID,
		local:          local,
		view:           view,
		transport:      rt,
		resolve:        resolve,
		report:         report,
		forwardTimeout: DefaultForwardTimeout,
	}
}

// Local returns the local replica backing this set.
func (rs *ReplicaSet) Local() *LocalReplica {
	return rs.local
}

// forwardTarget is one remote replica the operation is sent to.
type forwardTarget struct {
	peerID   uint64
	address  string
	required bool // Active replicas are required for Completed
}

// Submit runs one operation through the shard. The payload is opaque.
//
// With wait=false the call returns Acknowledged as soon as the operation is
// durably appended to the local log; forwarding continues in the background.
// With wait=true the call blocks until every Active replica has acknowledged,
// then returns Completed. If any Active replica cannot acknowledge, it is
// reported Dead through consensus and the call returns Acknowledged together
// with a PartialFailureError naming the failed peers.
func (rs *ReplicaSet) Submit(ctx context.Context, payload []byte, wait bool) (UpdateStatus, error) {
	state := rs.view()
	collection := state.Resolve(rs.collection)
	if collection == nil {
		return Acknowledged, ErrStaleTopology
	}
	shard, ok := collection.Shards[rs.shardID]
	if !ok {
		return Acknowledged, ErrStaleTopology
	}
	selfState, ok := shard.Replicas[rs.selfID]
	if !ok {
		return Acknowledged, ErrStaleTopology
	}
	if selfState != topology.ReplicaActive {
		return Acknowledged, ErrReplicaInitializing
	}

	// Writes reach Initializing replicas too (they are catching up), but
	// only Active replicas gate the Completed status. Dead replicas are
	// skipped; recovery replays the log to them later.
	var targets []forwardTarget
	for peerID, replicaState := range shard.Replicas {
		if peerID == rs.selfID || replicaState == topology.ReplicaDead {
			continue
		}
		addr, ok := rs.resolve(peerID)
		if !ok {
			continue
		}
		targets = append(targets, forwardTarget{
			peerID:   peerID,
			address:  addr,
			required: replicaState == topology.ReplicaActive,
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].peerID < targets[j].peerID })

	rs.mu.Lock()

	opID, err := rs.local.Sequence(payload)
	if err != nil {
		rs.mu.Unlock()
		return Acknowledged, err
	}
	if err := rs.local.ApplySequenced(opID, payload); err != nil {
		rs.mu.Unlock()
		return Acknowledged, err
	}

	if !wait {
		// Fire-and-forget: failures still mark replicas Dead so recovery
		// starts, they just never surface to this caller.
		go func() {
			failed := rs.fanOut(context.Background(), targets, opID, payload)
			rs.reportFailed(failed)
			rs.mu.Unlock()
		}()
		return Acknowledged, nil
	}

	failed := rs.fanOut(ctx, targets, opID, payload)
	rs.mu.Unlock()
	rs.reportFailed(failed)

	var failedRequired []uint64
	for _, target := range failed {
		if target.required {
			failedRequired = append(failedRequired, target.peerID)
		}
	}
	if len(failedRequired) > 0 {
		return Acknowledged, &PartialFailureError{
			Collection:  rs.collection,
			ShardID:     rs.shardID,
			OperationID: opID,
			FailedPeers: failedRequired,
		}
	}
	return Completed, nil
}

// fanOut forwards the operation to all targets in parallel and returns the
// targets that could not acknowledge it.
func (rs *ReplicaSet) fanOut(ctx context.Context, targets []forwardTarget, opID uint64, payload []byte) []forwardTarget {
	if len(targets) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target forwardTarget) {
			defer wg.Done()
			errs[i] = rs.forwardTo(ctx, target, opID, payload)
		}(i, target)
	}
	wg.Wait()

	var failed []forwardTarget
	for i, err := range errs {
		if err != nil {
			log.Printf("shard %s/%d: forward op %d to peer %d failed: %v",
				rs.collection, rs.shardID, opID, targets[i].peerID, err)
			failed = append(failed, targets[i])
		}
	}
	return failed
}

// forwardTo sends one operation to one replica. A replica that reports a
// lower applied position is missing operations; the gap is resent from the
// local log in id order, bounded by maxLagRepairRounds.
func (rs *ReplicaSet) forwardTo(ctx context.Context, target forwardTarget, opID uint64, payload []byte) error {
	resp, err := rs.send(ctx, target.address, opID, payload)
	if err != nil {
		return err
	}
	if resp.Success {
		return nil
	}

	for round := 0; round < maxLagRepairRounds; round++ {
		from := resp.LastAppliedId + 1
		var sendErr error
		err = rs.local.Operations(from, opID, func(id uint64, p []byte) error {
			resp, sendErr = rs.send(ctx, target.address, id, p)
			if sendErr != nil {
				return sendErr
			}
			return nil
		})
		if err != nil {
			return err
		}
		if sendErr != nil {
			return sendErr
		}
		if resp.Success && resp.LastAppliedId >= opID {
			return nil
		}
	}
	return ErrOperationGap
}

func (rs *ReplicaSet) send(ctx context.Context, address string, opID uint64, payload []byte) (*api.ForwardOperationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.forwardTimeout)
	defer cancel()
	return rs.transport.SendForwardOperation(ctx, address, &api.ForwardOperationRequest{
		Collection:  rs.collection,
		ShardId:     rs.shardID,
		OperationId: opID,
		Payload:     payload,
	})
}

func (rs *ReplicaSet) reportFailed(failed []forwardTarget) {
	if rs.report == nil {
		return
	}
	for _, target := range failed {
		rs.report(rs.collection, rs.shardID, target.peerID)
	}
}
