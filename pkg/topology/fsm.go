// fsm.go contains the consensus state machine: command application,
// snapshotting and restore, and change notification for the shard layer.
//
// # Thread Safety Guarantees
//
// FSM is safe for concurrent use by multiple goroutines. Apply and Restore
// acquire a write lock and are serialized by the consensus core anyway (it
// applies entries from a single goroutine). View is lock-free: it returns the
// last published immutable snapshot via an atomic pointer.
package topology

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrNilReader indicates that a nil reader was provided to Restore.
var ErrNilReader = errors.New("nil reader provided")

// ChangeListener is notified with the freshly published topology snapshot
// after every state change. Listeners run on the consensus apply path and
// must not block; hand the snapshot off to another goroutine for slow work.
type ChangeListener func(*State)

// FSM is the topology state machine replicated by consensus.
type FSM struct {
	mu    sync.RWMutex
	state *State // working copy, mutated under mu

	view atomic.Pointer[State] // last published immutable snapshot

	listenerMu sync.RWMutex
	listeners  []ChangeListener
}

// NewFSM creates an empty topology state machine.
func NewFSM() *FSM {
	f := &FSM{state: NewState()}
	f.view.Store(f.state.Clone())
	return f
}

// View returns the last published topology snapshot. The returned state is
// immutable and safe to read without synchronization.
func (f *FSM) View() *State {
	return f.view.Load()
}

// OnChange registers a listener invoked after every applied state change.
func (f *FSM) OnChange(l ChangeListener) {
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	f.listeners = append(f.listeners, l)
}

// publish clones the working state into a new immutable snapshot and
// notifies listeners. Caller must hold the write lock.
func (f *FSM) publish() {
	snapshot := f.state.Clone()
	f.view.Store(snapshot)

	f.listenerMu.RLock()
	listeners := f.listeners
	f.listenerMu.RUnlock()
	for _, l := range listeners {
		l(snapshot)
	}
}

// Apply parses and executes a committed metadata command.
// Returns nil on success and an error value for rejected commands. Rejection
// is deterministic, so all nodes agree on which commands took effect.
func (f *FSM) Apply(logBytes []byte) interface{} {
	cmd, err := DecodeCommand(logBytes)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.applyCommand(cmd); err != nil {
		return err
	}

	if cmd.Op != OpNop {
		f.publish()
	}
	return nil
}

func (f *FSM) applyCommand(cmd *Command) error {
	switch cmd.Op {
	case OpCreateCollection:
		return f.applyCreateCollection(cmd.CreateCollection)
	case OpUpdateCollection:
		return f.applyUpdateCollection(cmd.UpdateCollection)
	case OpDeleteCollection:
		return f.applyDeleteCollection(cmd.DeleteCollection)
	case OpChangeAliases:
		return f.applyChangeAliases(cmd.ChangeAliases)
	case OpStartTransfer:
		return f.applyStartTransfer(cmd.StartTransfer)
	case OpFinishTransfer:
		return f.applyFinishTransfer(cmd.FinishTransfer)
	case OpAbortTransfer:
		return f.applyAbortTransfer(cmd.AbortTransfer)
	case OpSetReplicaState:
		return f.applySetReplicaState(cmd.SetReplicaState)
	case OpRemoveReplica:
		return f.applyRemoveReplica(cmd.RemoveReplica)
	case OpNop:
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, cmd.Op)
	}
}

func (f *FSM) applyCreateCollection(op *CreateCollection) error {
	if op == nil || op.Name == "" || op.ShardNumber == 0 {
		return ErrInvalidCommand
	}
	if _, ok := f.state.Collections[op.Name]; ok {
		return ErrCollectionExists
	}
	if _, ok := f.state.Aliases[op.Name]; ok {
		return ErrAliasExists
	}

	shards := make(map[uint32]*Shard, op.ShardNumber)
	for shardID := uint32(0); shardID < op.ShardNumber; shardID++ {
		replicas := make(map[uint64]ReplicaState)
		for _, peerID := range op.Placement[shardID] {
			replicas[peerID] = ReplicaInitializing
		}
		shards[shardID] = &Shard{Replicas: replicas}
	}

	f.state.Collections[op.Name] = &Collection{
		Name:              op.Name,
		ShardNumber:       op.ShardNumber,
		ReplicationFactor: op.ReplicationFactor,
		Shards:            shards,
	}
	return nil
}

func (f *FSM) applyUpdateCollection(op *UpdateCollection) error {
	if op == nil || op.Name == "" {
		return ErrInvalidCommand
	}
	collection, ok := f.state.Collections[op.Name]
	if !ok {
		return ErrCollectionNotFound
	}
	if op.ReplicationFactor != nil {
		if *op.ReplicationFactor == 0 {
			return ErrInvalidCommand
		}
		collection.ReplicationFactor = *op.ReplicationFactor
	}
	return nil
}

func (f *FSM) applyDeleteCollection(op *DeleteCollection) error {
	if op == nil || op.Name == "" {
		return ErrInvalidCommand
	}
	if _, ok := f.state.Collections[op.Name]; !ok {
		return ErrCollectionNotFound
	}
	delete(f.state.Collections, op.Name)
	for alias, target := range f.state.Aliases {
		if target == op.Name {
			delete(f.state.Aliases, alias)
		}
	}
	return nil
}

func (f *FSM) applyChangeAliases(op *ChangeAliases) error {
	if op == nil {
		return ErrInvalidCommand
	}

	// Validate every action against a scratch copy first so the whole
	// command applies atomically or not at all.
	scratch := make(map[string]string, len(f.state.Aliases))
	for alias, target := range f.state.Aliases {
		scratch[alias] = target
	}

	for _, action := range op.Actions {
		switch {
		case action.Create != nil:
			a := action.Create
			if a.Alias == "" || a.Collection == "" {
				return ErrInvalidCommand
			}
			if _, ok := f.state.Collections[a.Alias]; ok {
				return ErrCollectionExists
			}
			if _, ok := scratch[a.Alias]; ok {
				return ErrAliasExists
			}
			if _, ok := f.state.Collections[a.Collection]; !ok {
				return ErrCollectionNotFound
			}
			scratch[a.Alias] = a.Collection

		case action.Delete != nil:
			a := action.Delete
			if _, ok := scratch[a.Alias]; !ok {
				return ErrAliasNotFound
			}
			delete(scratch, a.Alias)

		case action.Rename != nil:
			a := action.Rename
			target, ok := scratch[a.From]
			if !ok {
				return ErrAliasNotFound
			}
			if _, ok := scratch[a.To]; ok {
				return ErrAliasExists
			}
			if _, ok := f.state.Collections[a.To]; ok {
				return ErrCollectionExists
			}
			delete(scratch, a.From)
			scratch[a.To] = target

		default:
			return ErrInvalidCommand
		}
	}

	f.state.Aliases = scratch
	return nil
}

func (f *FSM) findShard(collection string, shardID uint32) (*Shard, error) {
	c, ok := f.state.Collections[collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	shard, ok := c.Shards[shardID]
	if !ok {
		return nil, ErrShardNotFound
	}
	return shard, nil
}

func (f *FSM) applyStartTransfer(op *StartTransfer) error {
	if op == nil || op.TransferID == "" || op.From == op.To {
		return ErrInvalidCommand
	}
	shard, err := f.findShard(op.Collection, op.ShardID)
	if err != nil {
		return err
	}
	if shard.Transfer != nil {
		return ErrTransferExists
	}
	if _, ok := shard.Replicas[op.From]; !ok {
		return ErrReplicaNotFound
	}
	if shard.Replicas[op.To] == ReplicaActive {
		return fmt.Errorf("%w: destination replica already active", ErrInvalidCommand)
	}

	shard.Transfer = &Transfer{
		ID:   op.TransferID,
		From: op.From,
		To:   op.To,
		Move: op.Move,
	}
	// The destination starts receiving live writes right away, whether it is
	// a fresh replica or a dead one being recovered; it counts toward write
	// acknowledgement only once activated.
	shard.Replicas[op.To] = ReplicaInitializing
	return nil
}

func (f *FSM) applyFinishTransfer(op *FinishTransfer) error {
	if op == nil || op.TransferID == "" {
		return ErrInvalidCommand
	}
	shard, err := f.findShard(op.Collection, op.ShardID)
	if err != nil {
		return err
	}
	if shard.Transfer == nil {
		return ErrTransferNotFound
	}
	if shard.Transfer.ID != op.TransferID {
		return ErrTransferMismatch
	}

	transfer := shard.Transfer
	shard.Transfer = nil
	shard.Replicas[transfer.To] = ReplicaActive
	if transfer.Move {
		delete(shard.Replicas, transfer.From)
	}
	return nil
}

func (f *FSM) applyAbortTransfer(op *AbortTransfer) error {
	if op == nil || op.TransferID == "" {
		return ErrInvalidCommand
	}
	shard, err := f.findShard(op.Collection, op.ShardID)
	if err != nil {
		return err
	}
	if shard.Transfer == nil {
		return ErrTransferNotFound
	}
	if shard.Transfer.ID != op.TransferID {
		return ErrTransferMismatch
	}

	transfer := shard.Transfer
	shard.Transfer = nil
	// The destination holds incomplete data. Mark it dead instead of deleting
	// it; the proposer follows up with a remove_replica if it is unwanted.
	if shard.Replicas[transfer.To] == ReplicaInitializing {
		shard.Replicas[transfer.To] = ReplicaDead
	}
	return nil
}

func (f *FSM) applySetReplicaState(op *SetReplicaState) error {
	if op == nil {
		return ErrInvalidCommand
	}
	if !op.State.Valid() {
		return ErrInvalidReplicaState
	}
	shard, err := f.findShard(op.Collection, op.ShardID)
	if err != nil {
		return err
	}
	if _, ok := shard.Replicas[op.PeerID]; !ok {
		return ErrReplicaNotFound
	}
	shard.Replicas[op.PeerID] = op.State
	return nil
}

func (f *FSM) applyRemoveReplica(op *RemoveReplica) error {
	if op == nil {
		return ErrInvalidCommand
	}
	shard, err := f.findShard(op.Collection, op.ShardID)
	if err != nil {
		return err
	}
	if _, ok := shard.Replicas[op.PeerID]; !ok {
		return ErrReplicaNotFound
	}
	delete(shard.Replicas, op.PeerID)
	return nil
}

// Snapshot returns a reader containing the JSON-encoded topology.
// The state is cloned under the read lock, then encoded outside it to
// minimize contention with command application.
func (f *FSM) Snapshot() (io.ReadCloser, error) {
	f.mu.RLock()
	clone := f.state.Clone()
	f.mu.RUnlock()

	data, err := clone.Marshal()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Restore replaces the topology with data from the reader.
// On error, existing state is preserved (atomic replacement).
func (f *FSM) Restore(rc io.ReadCloser) error {
	if rc == nil {
		return ErrNilReader
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	state, err := UnmarshalState(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.state = state
	f.publish()
	f.mu.Unlock()

	return rc.Close()
}
