// transfer.go contains the source-driven shard transfer: snapshot streaming,
// operation-log catch-up, and consensus-committed activation. The state
// machine runs on the peer that holds the source replica; the destination
// only assembles what it is sent.
package shard

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
)

// TransferPhase is the current stage of a shard transfer.
type TransferPhase int

const (
	// TransferQueued means the transfer is committed but not started yet.
	TransferQueued TransferPhase = iota
	// TransferSnapshotting means the source is streaming its data snapshot.
	TransferSnapshotting
	// TransferCatchingUp means post-snapshot operations are being replayed.
	TransferCatchingUp
	// TransferDone means activation was committed through consensus.
	TransferDone
	// TransferFailed means the retry budget is exhausted and an abort was proposed.
	TransferFailed
)

// String returns a human-readable representation of the TransferPhase.
func (p TransferPhase) String() string {
	switch p {
	case TransferQueued:
		return "queued"
	case TransferSnapshotting:
		return "snapshotting"
	case TransferCatchingUp:
		return "catching_up"
	case TransferDone:
		return "done"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// transferChunkSize is the snapshot stream chunk size.
	transferChunkSize = 256 * 1024
	// maxTransferAttempts bounds full restarts of a failed transfer before it
	// is aborted through consensus.
	maxTransferAttempts = 3
	// transferRetryDelay spaces out attempts; the first one can race the
	// destination still opening its replica after the start commit.
	transferRetryDelay = 500 * time.Millisecond
	// catchUpPollInterval paces applied-position probes during catch-up.
	catchUpPollInterval = 100 * time.Millisecond
	// maxCatchUpRounds bounds replay rounds; live writes keep flowing to the
	// destination, so the positions converge unless the destination is stuck.
	maxCatchUpRounds = 50
)

// transferRun executes one committed shard transfer from the source side.
type transferRun struct {
	id         string
	collection string
	shardID    uint32
	to         uint64
	move       bool

	local     *LocalReplica
	transport transport.ReplicaTransport
	resolve   AddressResolver
	proposer  Proposer

	proposeTimeout time.Duration
	rpcTimeout     time.Duration

	phase TransferPhase
}

// run drives the transfer to completion. Every failure retries from the
// beginning; once the retry budget is spent, the transfer is cancelled with
// a committed abort entry so the destination replica is not left initializing
// forever.
func (t *transferRun) run(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxTransferAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = t.attempt(ctx)
		if lastErr == nil {
			t.phase = TransferDone
			return nil
		}
		t.phase = TransferQueued
		log.Printf("transfer %s (%s/%d -> peer %d): attempt %d failed: %v",
			t.id, t.collection, t.shardID, t.to, attempt, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transferRetryDelay):
		}
	}

	t.phase = TransferFailed
	t.proposeAbort(fmt.Sprintf("transfer failed after %d attempts: %v", maxTransferAttempts, lastErr))
	return fmt.Errorf("%w: %v", ErrTransferFailed, lastErr)
}

func (t *transferRun) attempt(ctx context.Context) error {
	addr, ok := t.resolve(t.to)
	if !ok {
		return fmt.Errorf("destination peer %d has no known address", t.to)
	}

	cutoff, err := t.streamSnapshot(ctx, addr)
	if err != nil {
		return fmt.Errorf("snapshot stream: %w", err)
	}

	if err := t.catchUp(ctx, addr, cutoff); err != nil {
		return fmt.Errorf("catch-up: %w", err)
	}

	// Activation is only authoritative once committed: the destination's
	// local "ready" means nothing to the rest of the cluster.
	return t.proposeFinish()
}

// streamSnapshot exports the source replica and sends it in chunks. Returns
// the operation id cutoff the snapshot represents.
func (t *transferRun) streamSnapshot(ctx context.Context, addr string) (uint64, error) {
	t.phase = TransferSnapshotting

	snapshot, cutoff, err := t.local.Export()
	if err != nil {
		return 0, err
	}
	defer snapshot.Close()

	var offset uint64
	buf := make([]byte, transferChunkSize)
	for {
		n, readErr := snapshot.Read(buf)
		if n > 0 {
			if err := t.sendChunk(ctx, addr, offset, buf[:n], false, cutoff); err != nil {
				return 0, err
			}
			offset += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}

	// Final empty chunk commits the import on the destination.
	if err := t.sendChunk(ctx, addr, offset, nil, true, cutoff); err != nil {
		return 0, err
	}
	return cutoff, nil
}

func (t *transferRun) sendChunk(ctx context.Context, addr string, offset uint64, data []byte, done bool, cutoff uint64) error {
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := t.transport.SendTransferSnapshot(ctx, addr, &api.TransferSnapshotRequest{
		TransferId:        t.id,
		Collection:        t.collection,
		ShardId:           t.shardID,
		Offset:            offset,
		Data:              data,
		Done:              done,
		CutoffOperationId: cutoff,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("destination rejected chunk at offset %d: %s", offset, resp.Error)
	}
	return nil
}

// catchUp replays operations past the snapshot cutoff until the destination's
// applied position reaches the source's. Writes submitted during the transfer
// also reach the destination through the live fan-out, so the loop converges.
func (t *transferRun) catchUp(ctx context.Context, addr string, cutoff uint64) error {
	t.phase = TransferCatchingUp

	destApplied := cutoff
	for round := 0; round < maxCatchUpRounds; round++ {
		sourceApplied, err := t.local.LastApplied()
		if err != nil {
			return err
		}
		if destApplied >= sourceApplied {
			return nil
		}

		err = t.local.Operations(destApplied+1, sourceApplied, func(id uint64, payload []byte) error {
			return t.forward(ctx, addr, id, payload)
		})
		if err != nil {
			return err
		}

		destApplied, err = t.probe(ctx, addr)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(catchUpPollInterval):
		}
	}
	return fmt.Errorf("destination peer %d still behind after %d rounds", t.to, maxCatchUpRounds)
}

func (t *transferRun) forward(ctx context.Context, addr string, opID uint64, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := t.transport.SendForwardOperation(ctx, addr, &api.ForwardOperationRequest{
		Collection:  t.collection,
		ShardId:     t.shardID,
		OperationId: opID,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("destination rejected op %d: %s", opID, resp.Error)
	}
	return nil
}

func (t *transferRun) probe(ctx context.Context, addr string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := t.transport.SendReplicaInfo(ctx, addr, &api.ReplicaInfoRequest{
		Collection: t.collection,
		ShardId:    t.shardID,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Exists {
		return 0, fmt.Errorf("destination peer %d reports no replica", t.to)
	}
	return resp.LastAppliedId, nil
}

func (t *transferRun) proposeFinish() error {
	cmd := &topology.Command{
		Op: topology.OpFinishTransfer,
		FinishTransfer: &topology.FinishTransfer{
			TransferID: t.id,
			Collection: t.collection,
			ShardID:    t.shardID,
		},
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = t.proposer.Propose(data, t.proposeTimeout)
	return err
}

func (t *transferRun) proposeAbort(reason string) {
	cmd := &topology.Command{
		Op: topology.OpAbortTransfer,
		AbortTransfer: &topology.AbortTransfer{
			TransferID: t.id,
			Collection: t.collection,
			ShardID:    t.shardID,
			Reason:     reason,
		},
	}
	data, err := cmd.Encode()
	if err != nil {
		log.Printf("transfer %s: failed to encode abort: %v", t.id, err)
		return
	}
	if _, err := t.proposer.Propose(data, t.proposeTimeout); err != nil {
		log.Printf("transfer %s: failed to propose abort: %v", t.id, err)
	}
}

// snapshotAssembly accumulates inbound transfer chunks on the destination
// until the final chunk arrives.
type snapshotAssembly struct {
	transferID string
	collection string
	shardID    uint32
	nextOffset uint64
	data       []byte
}

// append validates chunk ordering and buffers the data.
func (a *snapshotAssembly) append(offset uint64, data []byte) error {
	if offset != a.nextOffset {
		return fmt.Errorf("chunk at offset %d, expected %d", offset, a.nextOffset)
	}
	a.data = append(a.data, data...)
	a.nextOffset += uint64(len(data))
	return nil
}
