// manager.go contains the shard manager: point operation routing, the
// reaction to committed topology changes (opening/dropping local replicas,
// activating fresh ones, launching transfers), and the server side of the
// replication protocol.
package shard

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/storage"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
)

// DefaultProposeTimeout bounds consensus proposals issued by the shard layer.
const DefaultProposeTimeout = 10 * time.Second

var _ transport.ReplicaHandler = (*Manager)(nil)

type shardKey struct {
	collection string
	shardID    uint32
}

func (k shardKey) String() string {
	return fmt.Sprintf("%s/%d", k.collection, k.shardID)
}

// runningTransfer tracks one in-flight outbound transfer.
type runningTransfer struct {
	key    shardKey
	cancel context.CancelFunc
}

// ManagerConfig collects the collaborators a Manager needs.
type ManagerConfig struct {
	SelfID    uint64
	OpLog     *storage.OpLog
	Store     Storage
	Topology  *topology.FSM
	Proposer  Proposer
	Transport transport.ReplicaTransport
	Resolve   AddressResolver

	// Peers returns the current cluster peer ids, used to compute shard
	// placement for new collections.
	Peers func() []uint64
}

// Manager owns every shard replica hosted on this node. It reconciles the
// local replica set against each committed topology snapshot and implements
// the receiving side of operation forwarding and shard transfer.
type Manager struct {
	cfg ManagerConfig

	// setsMu guards sets, incoming and the pending maps. transfers is only
	// touched by the reconcile goroutine.
	setsMu    sync.RWMutex
	sets      map[shardKey]*ReplicaSet
	transfers map[string]*runningTransfer
	incoming  map[string]*snapshotAssembly

	// Dedupe for proposals the reconciler fires; cleared when the committed
	// state reflects them.
	pendingActivation map[shardKey]bool
	pendingRecovery   map[shardKey]bool
	pendingDead       map[string]bool

	updates  chan *topology.State
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewManager creates a shard manager and subscribes it to topology changes.
// Call Start to begin reconciling.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:               cfg,
		sets:              make(map[shardKey]*ReplicaSet),
		transfers:         make(map[string]*runningTransfer),
		incoming:          make(map[string]*snapshotAssembly),
		pendingActivation: make(map[shardKey]bool),
		pendingRecovery:   make(map[shardKey]bool),
		pendingDead:       make(map[string]bool),
		updates:           make(chan *topology.State, 1),
		stopChan:          make(chan struct{}),
		doneChan:          make(chan struct{}),
	}

	cfg.Topology.OnChange(func(s *topology.State) {
		// Keep only the freshest snapshot; reconciliation is level-based,
		// not edge-based, so intermediate states can be skipped.
		for {
			select {
			case m.updates <- s:
				return
			default:
				select {
				case <-m.updates:
				default:
				}
			}
		}
	})

	return m
}

// Start launches the reconcile loop and brings up replicas for the current
// committed topology (after a restart the topology is already populated from
// the consensus log before Start is called).
func (m *Manager) Start() {
	go m.run()
	m.enqueue(m.cfg.Topology.View())
}

// Stop terminates the reconcile loop and cancels outbound transfers.
func (m *Manager) Stop() {
	close(m.stopChan)
	<-m.doneChan
}

func (m *Manager) enqueue(s *topology.State) {
	select {
	case m.updates <- s:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.doneChan)
	for {
		select {
		case <-m.stopChan:
			for _, tr := range m.transfers {
				tr.cancel()
			}
			return
		case state := <-m.updates:
			m.reconcile(state)
		}
	}
}

// View returns the current committed topology snapshot.
func (m *Manager) View() *topology.State {
	return m.cfg.Topology.View()
}

// RouteKey maps a routing key to a shard id using the committed shard count.
// The shard count is immutable per collection, so every node routes a key
// identically for the collection's whole lifetime.
func RouteKey(collection *topology.Collection, key []byte) uint32 {
	h := fnv.New64a()
	h.Write(key)
	return uint32(h.Sum64() % uint64(collection.ShardNumber))
}

// Submit routes one point operation by key and runs it through the target
// shard's replica set. The collection name may be an alias.
func (m *Manager) Submit(ctx context.Context, name string, key []byte, payload []byte, wait bool) (UpdateStatus, error) {
	state := m.cfg.Topology.View()
	collection := state.Resolve(name)
	if collection == nil {
		return Acknowledged, ErrCollectionNotFound
	}

	shardID := RouteKey(collection, key)
	set, ok := m.replicaSet(shardKey{collection.Name, shardID})
	if !ok {
		return Acknowledged, fmt.Errorf("%w: shard %s/%d", ErrNotShardHolder, collection.Name, shardID)
	}
	return set.Submit(ctx, payload, wait)
}

// SubmitToShard runs one point operation through an explicit shard, for
// callers that batch per shard or replay administrative operations.
func (m *Manager) SubmitToShard(ctx context.Context, name string, shardID uint32, payload []byte, wait bool) (UpdateStatus, error) {
	state := m.cfg.Topology.View()
	collection := state.Resolve(name)
	if collection == nil {
		return Acknowledged, ErrCollectionNotFound
	}
	set, ok := m.replicaSet(shardKey{collection.Name, shardID})
	if !ok {
		return Acknowledged, fmt.Errorf("%w: shard %s/%d", ErrNotShardHolder, collection.Name, shardID)
	}
	return set.Submit(ctx, payload, wait)
}

// replicaSet looks up the replica set for a shard hosted on this node.
func (m *Manager) replicaSet(key shardKey) (*ReplicaSet, bool) {
	m.setsMu.RLock()
	defer m.setsMu.RUnlock()
	set, ok := m.sets[key]
	return set, ok
}

// PlacementFor computes a replica placement for a new collection from the
// current peer roster: shard i lands on replicationFactor consecutive peers
// starting at offset i in the sorted roster. The placement is embedded in the
// create command so application stays deterministic.
func (m *Manager) PlacementFor(shardNumber, replicationFactor uint32) (map[uint32][]uint64, error) {
	peers := m.cfg.Peers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers available for placement")
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	rf := int(replicationFactor)
	if rf > len(peers) {
		rf = len(peers)
	}

	placement := make(map[uint32][]uint64, shardNumber)
	for shardID := uint32(0); shardID < shardNumber; shardID++ {
		assigned := make([]uint64, 0, rf)
		for i := 0; i < rf; i++ {
			assigned = append(assigned, peers[(int(shardID)+i)%len(peers)])
		}
		placement[shardID] = assigned
	}
	return placement, nil
}

// StartTransfer proposes a shard transfer through consensus. The committed
// entry triggers the transfer runner on the source peer. Returns the transfer id.
func (m *Manager) StartTransfer(collection string, shardID uint32, from, to uint64, move bool) (string, error) {
	transferID := uuid.NewString()
	cmd := &topology.Command{
		Op: topology.OpStartTransfer,
		StartTransfer: &topology.StartTransfer{
			TransferID: transferID,
			Collection: collection,
			ShardID:    shardID,
			From:       from,
			To:         to,
			Move:       move,
		},
	}
	if err := m.propose(cmd); err != nil {
		return "", err
	}
	return transferID, nil
}

func (m *Manager) propose(cmd *topology.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = m.cfg.Proposer.Propose(data, DefaultProposeTimeout)
	return err
}

// reconcile drives the local replica set toward the committed topology.
// Runs on the reconcile goroutine only.
func (m *Manager) reconcile(state *topology.State) {
	desired := make(map[shardKey]bool)
	liveTransfers := make(map[string]bool)

	for name, collection := range state.Collections {
		for shardID, shard := range collection.Shards {
			key := shardKey{name, shardID}

			replicaState, hosted := shard.Replicas[m.cfg.SelfID]
			if hosted {
				desired[key] = true
				m.ensureReplica(key)
				m.maybeActivate(key, shard, replicaState)
			}

			if shard.Transfer != nil {
				liveTransfers[shard.Transfer.ID] = true
				if shard.Transfer.From == m.cfg.SelfID {
					m.ensureTransferRunning(key, shard.Transfer)
				}
			} else {
				m.maybeRecover(key, shard)
			}
		}
	}

	// Cancel transfer runners whose entry left the topology (finished or
	// aborted elsewhere).
	for id, tr := range m.transfers {
		if !liveTransfers[id] {
			tr.cancel()
			delete(m.transfers, id)
		}
	}

	// Drop local replicas that are no longer assigned to this node.
	m.setsMu.Lock()
	for key, set := range m.sets {
		if desired[key] {
			continue
		}
		delete(m.sets, key)
		delete(m.pendingActivation, key)
		delete(m.pendingRecovery, key)
		if err := set.Local().Drop(); err != nil {
			log.Printf("shard %s: failed to drop local replica: %v", key, err)
		}
	}
	m.setsMu.Unlock()
}

// ensureReplica opens the local replica and its write path if missing.
func (m *Manager) ensureReplica(key shardKey) {
	m.setsMu.Lock()
	defer m.setsMu.Unlock()
	if _, ok := m.sets[key]; ok {
		return
	}

	local := NewLocalReplica(key.collection, key.shardID,
		m.cfg.OpLog.Shard(key.collection, key.shardID), m.cfg.Store)
	if err := local.Recover(); err != nil {
		log.Printf("shard %s: recovery replay failed: %v", key, err)
	}

	m.sets[key] = NewReplicaSet(key.collection, key.shardID, m.cfg.SelfID, local,
		m.cfg.Topology.View, m.cfg.Transport, m.cfg.Resolve, m.reportDeadReplica)
}

// maybeActivate proposes activation for a fresh Initializing replica of this
// node. Replicas being filled by a transfer are activated by the transfer's
// finish entry instead.
func (m *Manager) maybeActivate(key shardKey, shard *topology.Shard, replicaState topology.ReplicaState) {
	m.setsMu.Lock()
	switch replicaState {
	case topology.ReplicaActive:
		delete(m.pendingActivation, key)
		m.setsMu.Unlock()
		return
	case topology.ReplicaDead:
		m.setsMu.Unlock()
		return
	}
	if shard.Transfer != nil && shard.Transfer.To == m.cfg.SelfID {
		m.setsMu.Unlock()
		return
	}
	if m.pendingActivation[key] {
		m.setsMu.Unlock()
		return
	}
	m.pendingActivation[key] = true
	m.setsMu.Unlock()

	cmd := &topology.Command{
		Op: topology.OpSetReplicaState,
		SetReplicaState: &topology.SetReplicaState{
			Collection: key.collection,
			ShardID:    key.shardID,
			PeerID:     m.cfg.SelfID,
			State:      topology.ReplicaActive,
		},
	}
	go func() {
		if err := m.propose(cmd); err != nil {
			log.Printf("shard %s: activation proposal failed: %v", key, err)
			// Retried on the next reconcile.
			m.clearPendingActivation(key)
		}
	}()
}

func (m *Manager) clearPendingActivation(key shardKey) {
	m.setsMu.Lock()
	delete(m.pendingActivation, key)
	m.setsMu.Unlock()
}

// maybeRecover schedules a recovery transfer for a Dead replica. The Active
// holder with the smallest peer id acts as coordinator, which keeps the
// cluster from proposing duplicate transfers.
func (m *Manager) maybeRecover(key shardKey, shard *topology.Shard) {
	active := shard.ActivePeers()
	if len(active) == 0 {
		return
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	if active[0] != m.cfg.SelfID {
		return
	}

	var dead uint64
	found := false
	for peerID, replicaState := range shard.Replicas {
		if replicaState == topology.ReplicaDead {
			if !found || peerID < dead {
				dead = peerID
				found = true
			}
		}
	}

	m.setsMu.Lock()
	if !found {
		delete(m.pendingRecovery, key)
		m.setsMu.Unlock()
		return
	}
	if m.pendingRecovery[key] {
		m.setsMu.Unlock()
		return
	}
	m.pendingRecovery[key] = true
	m.setsMu.Unlock()

	go func() {
		if _, err := m.StartTransfer(key.collection, key.shardID, m.cfg.SelfID, dead, false); err != nil {
			log.Printf("shard %s: recovery transfer proposal failed: %v", key, err)
		}
		m.setsMu.Lock()
		delete(m.pendingRecovery, key)
		m.setsMu.Unlock()
	}()
}

// ensureTransferRunning launches the transfer runner for a committed transfer
// sourced at this node.
func (m *Manager) ensureTransferRunning(key shardKey, tr *topology.Transfer) {
	if _, running := m.transfers[tr.ID]; running {
		return
	}
	set, ok := m.replicaSet(key)
	if !ok {
		log.Printf("transfer %s: source replica %s not hosted here", tr.ID, key)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.transfers[tr.ID] = &runningTransfer{key: key, cancel: cancel}

	run := &transferRun{
		id:             tr.ID,
		collection:     key.collection,
		shardID:        key.shardID,
		to:             tr.To,
		move:           tr.Move,
		local:          set.Local(),
		transport:      m.cfg.Transport,
		resolve:        m.cfg.Resolve,
		proposer:       m.cfg.Proposer,
		proposeTimeout: DefaultProposeTimeout,
		rpcTimeout:     DefaultForwardTimeout,
	}
	go func() {
		if err := run.run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("transfer %s (%s -> peer %d): %v", tr.ID, key, tr.To, err)
		}
	}()
}

// reportDeadReplica proposes marking a replica Dead after a failed forward.
func (m *Manager) reportDeadReplica(collection string, shardID uint32, peerID uint64) {
	token := fmt.Sprintf("%s/%d/%d", collection, shardID, peerID)
	m.setsMu.Lock()
	if m.pendingDead[token] {
		m.setsMu.Unlock()
		return
	}
	m.pendingDead[token] = true
	m.setsMu.Unlock()

	cmd := &topology.Command{
		Op: topology.OpSetReplicaState,
		SetReplicaState: &topology.SetReplicaState{
			Collection: collection,
			ShardID:    shardID,
			PeerID:     peerID,
			State:      topology.ReplicaDead,
		},
	}
	go func() {
		if err := m.propose(cmd); err != nil {
			log.Printf("shard %s/%d: dead-replica proposal for peer %d failed: %v",
				collection, shardID, peerID, err)
		}
		m.setsMu.Lock()
		delete(m.pendingDead, token)
		m.setsMu.Unlock()
	}()
}

// HandleForwardOperation applies a forwarded operation to the local replica
// (implements transport.ReplicaHandler).
func (m *Manager) HandleForwardOperation(_ context.Context, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error) {
	set, ok := m.replicaSet(shardKey{req.Collection, req.ShardId})
	if !ok {
		return &api.ForwardOperationResponse{
			Success: false,
			Error:   ErrStaleTopology.Error(),
		}, nil
	}

	applied, lastApplied, err := set.Local().Receive(req.OperationId, req.Payload)
	if err != nil {
		return &api.ForwardOperationResponse{
			Success:       false,
			LastAppliedId: lastApplied,
			Error:         err.Error(),
		}, nil
	}
	return &api.ForwardOperationResponse{
		Success:       applied,
		LastAppliedId: lastApplied,
	}, nil
}

// HandleTransferSnapshot assembles inbound snapshot chunks and imports the
// completed snapshot into the local replica (implements transport.ReplicaHandler).
func (m *Manager) HandleTransferSnapshot(_ context.Context, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error) {
	key := shardKey{req.Collection, req.ShardId}

	m.setsMu.Lock()
	assembly, ok := m.incoming[req.TransferId]
	if !ok || req.Offset == 0 {
		// First chunk, or the source restarted the stream from scratch.
		assembly = &snapshotAssembly{
			transferID: req.TransferId,
			collection: req.Collection,
			shardID:    req.ShardId,
		}
		m.incoming[req.TransferId] = assembly
	}
	m.setsMu.Unlock()

	if err := assembly.append(req.Offset, req.Data); err != nil {
		m.setsMu.Lock()
		delete(m.incoming, req.TransferId)
		m.setsMu.Unlock()
		return &api.TransferSnapshotResponse{Success: false, Error: err.Error()}, nil
	}
	if !req.Done {
		return &api.TransferSnapshotResponse{Success: true}, nil
	}

	// Final chunk: the destination replica must exist by now (the committed
	// start_transfer entry added it to the shard, so reconcile opened it).
	set, ok := m.replicaSet(key)
	if !ok {
		return &api.TransferSnapshotResponse{
			Success: false,
			Error:   ErrStaleTopology.Error(),
		}, nil
	}

	m.setsMu.Lock()
	delete(m.incoming, req.TransferId)
	m.setsMu.Unlock()

	if err := set.Local().ImportSnapshot(bytes.NewReader(assembly.data), req.CutoffOperationId); err != nil {
		return &api.TransferSnapshotResponse{Success: false, Error: err.Error()}, nil
	}
	return &api.TransferSnapshotResponse{
		Success:       true,
		LastAppliedId: req.CutoffOperationId,
	}, nil
}

// HandleReplicaInfo reports the applied position of a local replica
// (implements transport.ReplicaHandler).
func (m *Manager) HandleReplicaInfo(_ context.Context, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error) {
	set, ok := m.replicaSet(shardKey{req.Collection, req.ShardId})
	if !ok {
		return &api.ReplicaInfoResponse{Exists: false}, nil
	}
	lastApplied, err := set.Local().LastApplied()
	if err != nil {
		return nil, err
	}
	return &api.ReplicaInfoResponse{
		Exists:        true,
		LastAppliedId: lastApplied,
	}, nil
}
