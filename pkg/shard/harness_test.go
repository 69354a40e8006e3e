package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/storage"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage that records applied operations per
// shard, in apply order. Snapshots are the JSON-encoded op list.
type memStorage struct {
	mu     sync.Mutex
	shards map[string][]appliedOp
	// applyErr, when set, fails every Apply. Used to exercise error paths.
	applyErr error
}

type appliedOp struct {
	OpID    uint64 `json:"op_id"`
	Payload []byte `json:"payload"`
}

func newMemStorage() *memStorage {
	return &memStorage{shards: make(map[string][]appliedOp)}
}

func shardStorageKey(collection string, shardID uint32) string {
	return fmt.Sprintf("%s/%d", collection, shardID)
}

func (s *memStorage) Apply(collection string, shardID uint32, opID uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	key := shardStorageKey(collection, shardID)
	s.shards[key] = append(s.shards[key], appliedOp{OpID: opID, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *memStorage) SnapshotExport(collection string, shardID uint32) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(s.shards[shardStorageKey(collection, shardID)])
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) SnapshotImport(collection string, shardID uint32, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var ops []appliedOp
	if err := json.Unmarshal(data, &ops); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[shardStorageKey(collection, shardID)] = ops
	return nil
}

func (s *memStorage) Drop(collection string, shardID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, shardStorageKey(collection, shardID))
	return nil
}

// applied returns a copy of the op list applied to one shard.
func (s *memStorage) applied(collection string, shardID uint32) []appliedOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appliedOp(nil), s.shards[shardStorageKey(collection, shardID)]...)
}

func (s *memStorage) setApplyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyErr = err
}

// loopbackTransport dispatches replication RPCs to in-process handlers by
// address. Addresses listed in down fail with a connection error.
type loopbackTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.ReplicaHandler
	down     map[string]bool
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{
		handlers: make(map[string]transport.ReplicaHandler),
		down:     make(map[string]bool),
	}
}

func (t *loopbackTransport) register(addr string, h transport.ReplicaHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr] = h
}

func (t *loopbackTransport) setDown(addr string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[addr] = down
}

func (t *loopbackTransport) handler(addr string) (transport.ReplicaHandler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down[addr] {
		return nil, fmt.Errorf("%w: %s", transport.ErrConnectionFailed, addr)
	}
	h, ok := t.handlers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrConnectionFailed, addr)
	}
	return h, nil
}

func (t *loopbackTransport) SendForwardOperation(ctx context.Context, target string, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error) {
	h, err := t.handler(target)
	if err != nil {
		return nil, err
	}
	return h.HandleForwardOperation(ctx, req)
}

func (t *loopbackTransport) SendTransferSnapshot(ctx context.Context, target string, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error) {
	h, err := t.handler(target)
	if err != nil {
		return nil, err
	}
	return h.HandleTransferSnapshot(ctx, req)
}

func (t *loopbackTransport) SendReplicaInfo(ctx context.Context, target string, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error) {
	h, err := t.handler(target)
	if err != nil {
		return nil, err
	}
	return h.HandleReplicaInfo(ctx, req)
}

var _ transport.ReplicaTransport = (*loopbackTransport)(nil)

// fsmProposer stands in for cluster consensus: a proposal is applied to every
// registered FSM in submission order, mimicking a committed log entry.
type fsmProposer struct {
	mu    sync.Mutex
	index uint64
	fsms  []*topology.FSM
}

func newFSMProposer(fsms ...*topology.FSM) *fsmProposer {
	return &fsmProposer{fsms: fsms}
}

func (p *fsmProposer) Propose(cmd []byte, _ time.Duration) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index++
	var firstErr error
	for _, fsm := range p.fsms {
		if err, ok := fsm.Apply(cmd).(error); ok && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return p.index, nil
}

var _ Proposer = (*fsmProposer)(nil)

func openTestLog(t *testing.T) *storage.OpLog {
	t.Helper()
	oplog, err := storage.NewOpLog(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { oplog.Close() })
	return oplog
}

func peerAddr(peerID uint64) string {
	return fmt.Sprintf("peer-%d", peerID)
}

func staticResolver(peers ...uint64) AddressResolver {
	known := make(map[uint64]string, len(peers))
	for _, id := range peers {
		known[id] = peerAddr(id)
	}
	return func(peerID uint64) (string, bool) {
		addr, ok := known[peerID]
		return addr, ok
	}
}

// singleShardState builds a topology with one collection of one shard and the
// given replica states.
func singleShardState(name string, replicas map[uint64]topology.ReplicaState) *topology.State {
	state := topology.NewState()
	state.Collections[name] = &topology.Collection{
		Name:              name,
		ShardNumber:       1,
		ReplicationFactor: uint32(len(replicas)),
		Shards: map[uint32]*topology.Shard{
			0: {Replicas: replicas},
		},
	}
	return state
}
