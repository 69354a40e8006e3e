// Package raft provides membership types and serialization for dynamic cluster configuration.
package raft

import (
	"github.com/quiverdb/quiver/api"
)

// Role represents a peer's voting status in the cluster.
type Role int

const (
	// Learner is a peer that receives log replication but does not participate
	// in elections or commit quorum calculations. New peers join as learners
	// and are promoted once their log has caught up.
	Learner Role = iota
	// Voter is a full cluster member that participates in elections and
	// commit quorum calculations.
	Voter
)

// String returns a human-readable representation of the Role.
func (r Role) String() string {
	switch r {
	case Learner:
		return "Learner"
	case Voter:
		return "Voter"
	default:
		return "Unknown"
	}
}

// Peer represents one node in the cluster configuration. Peer ids are
// assigned by the operator and must be stable across restarts; id 0 is
// reserved to mean "no peer".
type Peer struct {
	ID      uint64
	Address string
	Role    Role
}

// Membership is the full cluster configuration. It is replicated through the
// consensus log itself, which makes configuration changes atomic with respect
// to all other replicated state.
type Membership struct {
	Peers []Peer
}

// Find returns the peer with the given id, or nil.
func (m *Membership) Find(id uint64) *Peer {
	if m == nil {
		return nil
	}
	for i := range m.Peers {
		if m.Peers[i].ID == id {
			return &m.Peers[i]
		}
	}
	return nil
}

// Equal returns true if two Memberships have the same peers in the same order.
func (m *Membership) Equal(other *Membership) bool {
	if m == nil && other == nil {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	if len(m.Peers) != len(other.Peers) {
		return false
	}
	for i, p := range m.Peers {
		if p != other.Peers[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the membership.
func (m *Membership) Clone() *Membership {
	if m == nil {
		return nil
	}
	peers := make([]Peer, len(m.Peers))
	copy(peers, m.Peers)
	return &Membership{Peers: peers}
}

// SerializeMembership serializes a Membership to bytes. The wire format is
// the api.ClusterConfiguration protobuf message, which is also the payload
// format of LogConfiguration entries.
func SerializeMembership(m *Membership) ([]byte, error) {
	if m == nil {
		return nil, nil
	}

	pb := &api.ClusterConfiguration{
		Peers: make([]*api.PeerInfo, len(m.Peers)),
	}
	for i, peer := range m.Peers {
		pb.Peers[i] = &api.PeerInfo{
			Id:      peer.ID,
			Address: peer.Address,
			IsVoter: peer.Role == Voter,
		}
	}

	return api.Marshal(pb)
}

// DeserializeMembership deserializes bytes to a Membership.
func DeserializeMembership(data []byte) (*Membership, error) {
	if len(data) == 0 {
		return &Membership{}, nil
	}

	pb := &api.ClusterConfiguration{}
	if err := api.Unmarshal(data, pb); err != nil {
		return nil, err
	}

	m := &Membership{
		Peers: make([]Peer, len(pb.Peers)),
	}
	for i, info := range pb.Peers {
		role := Learner
		if info.IsVoter {
			role = Voter
		}
		m.Peers[i] = Peer{
			ID:      info.Id,
			Address: info.Address,
			Role:    role,
		}
	}

	return m, nil
}
