// Package topology implements the replicated state machine holding quiver's
// collection metadata: collections, shard placement, replica states, aliases
// and in-flight shard transfers. The state machine is driven exclusively by
// consensus-committed commands, so every node arrives at an identical view.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation names for Command.Op.
const (
	OpCreateCollection = "create_collection"
	OpUpdateCollection = "update_collection"
	OpDeleteCollection = "delete_collection"
	OpChangeAliases    = "change_aliases"
	OpStartTransfer    = "start_transfer"
	OpFinishTransfer   = "finish_transfer"
	OpAbortTransfer    = "abort_transfer"
	OpSetReplicaState  = "set_replica_state"
	OpRemoveReplica    = "remove_replica"
	OpNop              = "nop"
)

// Errors returned by command validation. Validation is deterministic: a
// command that fails on one node fails identically on every node.
var (
	ErrInvalidCommand      = errors.New("invalid topology command")
	ErrCollectionExists    = errors.New("collection already exists")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrShardNotFound       = errors.New("shard not found")
	ErrReplicaNotFound     = errors.New("replica not found")
	ErrAliasExists         = errors.New("alias already exists")
	ErrAliasNotFound       = errors.New("alias not found")
	ErrTransferExists      = errors.New("shard transfer already in progress")
	ErrTransferNotFound    = errors.New("shard transfer not found")
	ErrTransferMismatch    = errors.New("transfer id does not match in-flight transfer")
	ErrInvalidReplicaState = errors.New("invalid replica state")
)

// Command is the envelope for all metadata operations replicated through
// consensus. Exactly one operation field is set, selected by Op.
type Command struct {
	Op string `json:"op"`

	CreateCollection *CreateCollection `json:"create_collection,omitempty"`
	UpdateCollection *UpdateCollection `json:"update_collection,omitempty"`
	DeleteCollection *DeleteCollection `json:"delete_collection,omitempty"`
	ChangeAliases    *ChangeAliases    `json:"change_aliases,omitempty"`
	StartTransfer    *StartTransfer    `json:"start_transfer,omitempty"`
	FinishTransfer   *FinishTransfer   `json:"finish_transfer,omitempty"`
	AbortTransfer    *AbortTransfer    `json:"abort_transfer,omitempty"`
	SetReplicaState  *SetReplicaState  `json:"set_replica_state,omitempty"`
	RemoveReplica    *RemoveReplica    `json:"remove_replica,omitempty"`
	Nop              *Nop              `json:"nop,omitempty"`
}

// Encode serializes the command for a consensus log entry.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand deserializes a command from a consensus log entry.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if c.Op == "" {
		return nil, fmt.Errorf("%w: missing op", ErrInvalidCommand)
	}
	return &c, nil
}

// CreateCollection creates a collection with a fixed shard count. Placement
// maps each shard id to the peers hosting its replicas; it is computed by the
// proposing node and carried in the command so that application stays
// deterministic. Replicas start in the Initializing state and are activated
// by the hosting peers once local shard setup completes.
type CreateCollection struct {
	Name              string              `json:"name"`
	ShardNumber       uint32              `json:"shard_number"`
	ReplicationFactor uint32              `json:"replication_factor"`
	Placement         map[uint32][]uint64 `json:"placement"`
}

// UpdateCollection changes collection parameters. Only the replication factor
// can change after creation; the shard count is fixed for the collection's
// lifetime because the hash routing depends on it.
type UpdateCollection struct {
	Name              string  `json:"name"`
	ReplicationFactor *uint32 `json:"replication_factor,omitempty"`
}

// DeleteCollection removes a collection and all aliases pointing at it.
type DeleteCollection struct {
	Name string `json:"name"`
}

// AliasAction is one step of a ChangeAliases command.
type AliasAction struct {
	// Create points Alias at Collection. Fails if the alias exists.
	Create *struct {
		Alias      string `json:"alias"`
		Collection string `json:"collection"`
	} `json:"create,omitempty"`

	// Delete removes Alias.
	Delete *struct {
		Alias string `json:"alias"`
	} `json:"delete,omitempty"`

	// Rename changes the name of an existing alias, keeping its target.
	Rename *struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"rename,omitempty"`
}

// ChangeAliases applies a sequence of alias actions atomically: either all
// actions apply or none do.
type ChangeAliases struct {
	Actions []AliasAction `json:"actions"`
}

// StartTransfer begins moving or replicating a shard from one peer to
// another. The destination peer gains an Initializing replica immediately so
// that new writes reach it while the snapshot streams.
type StartTransfer struct {
	TransferID string `json:"transfer_id"`
	Collection string `json:"collection"`
	ShardID    uint32 `json:"shard_id"`
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	// Move indicates the source replica is dropped once the transfer
	// finishes. When false the transfer replicates (copies) the shard.
	Move bool `json:"move,omitempty"`
}

// FinishTransfer completes a transfer: the destination replica becomes
// Active, and for move transfers the source replica is removed.
type FinishTransfer struct {
	TransferID string `json:"transfer_id"`
	Collection string `json:"collection"`
	ShardID    uint32 `json:"shard_id"`
}

// AbortTransfer cancels a transfer. The destination replica is marked Dead
// because its data is incomplete; a follow-up RemoveReplica drops it entirely.
type AbortTransfer struct {
	TransferID string `json:"transfer_id"`
	Collection string `json:"collection"`
	ShardID    uint32 `json:"shard_id"`
	Reason     string `json:"reason,omitempty"`
}

// SetReplicaState records a replica state transition (activation after local
// init or catch-up, or marking a replica Dead after a failed write).
type SetReplicaState struct {
	Collection string       `json:"collection"`
	ShardID    uint32       `json:"shard_id"`
	PeerID     uint64       `json:"peer_id"`
	State      ReplicaState `json:"state"`
}

// RemoveReplica drops a replica from a shard, used when lowering the
// replication factor or evacuating a peer.
type RemoveReplica struct {
	Collection string `json:"collection"`
	ShardID    uint32 `json:"shard_id"`
	PeerID     uint64 `json:"peer_id"`
}

// Nop has no effect on the state. Proposing one forces a consensus round,
// which confirms leadership and advances the applied index.
type Nop struct {
	Token uint64 `json:"token"`
}
