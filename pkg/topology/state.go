package topology

import "encoding/json"

// ReplicaState is the lifecycle state of one shard replica.
type ReplicaState string

const (
	// ReplicaActive serves reads and participates in write acknowledgement.
	ReplicaActive ReplicaState = "active"
	// ReplicaInitializing receives writes but has not caught up yet; it does
	// not count toward write acknowledgement.
	ReplicaInitializing ReplicaState = "initializing"
	// ReplicaDead failed a replication and is excluded until recovered.
	ReplicaDead ReplicaState = "dead"
)

// Valid reports whether s is a known replica state.
func (s ReplicaState) Valid() bool {
	switch s {
	case ReplicaActive, ReplicaInitializing, ReplicaDead:
		return true
	}
	return false
}

// Transfer describes an in-flight shard transfer.
type Transfer struct {
	ID   string `json:"id"`
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
	Move bool   `json:"move,omitempty"`
}

// Shard holds the replica set of one shard: which peers host a replica and
// each replica's state, plus the transfer currently touching the shard, if any.
type Shard struct {
	Replicas map[uint64]ReplicaState `json:"replicas"`
	Transfer *Transfer               `json:"transfer,omitempty"`
}

// ActivePeers returns the peers holding an Active replica of the shard.
func (s *Shard) ActivePeers() []uint64 {
	peers := make([]uint64, 0, len(s.Replicas))
	for id, state := range s.Replicas {
		if state == ReplicaActive {
			peers = append(peers, id)
		}
	}
	return peers
}

// Collection is the metadata of one collection.
type Collection struct {
	Name              string            `json:"name"`
	ShardNumber       uint32            `json:"shard_number"`
	ReplicationFactor uint32            `json:"replication_factor"`
	Shards            map[uint32]*Shard `json:"shards"`
}

// State is an immutable snapshot of the cluster topology. Instances handed
// out by the FSM are never mutated after publication; readers may hold them
// for as long as they like without synchronization.
type State struct {
	Collections map[string]*Collection `json:"collections"`
	Aliases     map[string]string      `json:"aliases"`
}

// NewState returns an empty topology.
func NewState() *State {
	return &State{
		Collections: make(map[string]*Collection),
		Aliases:     make(map[string]string),
	}
}

// Resolve maps a collection name or alias to the underlying collection.
// Returns nil if the name resolves to nothing.
func (s *State) Resolve(name string) *Collection {
	if c, ok := s.Collections[name]; ok {
		return c
	}
	if target, ok := s.Aliases[name]; ok {
		return s.Collections[target]
	}
	return nil
}

// PeerHasReplicas reports whether any shard replica is placed on the peer.
// Used as the safety check before removing a peer from the cluster.
func (s *State) PeerHasReplicas(peerID uint64) bool {
	for _, collection := range s.Collections {
		for _, shard := range collection.Shards {
			if _, ok := shard.Replicas[peerID]; ok {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := &State{
		Collections: make(map[string]*Collection, len(s.Collections)),
		Aliases:     make(map[string]string, len(s.Aliases)),
	}
	for name, collection := range s.Collections {
		shards := make(map[uint32]*Shard, len(collection.Shards))
		for id, shard := range collection.Shards {
			replicas := make(map[uint64]ReplicaState, len(shard.Replicas))
			for peer, state := range shard.Replicas {
				replicas[peer] = state
			}
			var transfer *Transfer
			if shard.Transfer != nil {
				t := *shard.Transfer
				transfer = &t
			}
			shards[id] = &Shard{Replicas: replicas, Transfer: transfer}
		}
		out.Collections[name] = &Collection{
			Name:              collection.Name,
			ShardNumber:       collection.ShardNumber,
			ReplicationFactor: collection.ReplicationFactor,
			Shards:            shards,
		}
	}
	for alias, target := range s.Aliases {
		out.Aliases[alias] = target
	}
	return out
}

// Marshal serializes the state for snapshots.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState deserializes a state from snapshot data.
func UnmarshalState(data []byte) (*State, error) {
	s := NewState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Collections == nil {
		s.Collections = make(map[string]*Collection)
	}
	if s.Aliases == nil {
		s.Aliases = make(map[string]string)
	}
	return s, nil
}
