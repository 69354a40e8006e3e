// Package raft provides unit tests for membership types and serialization.
package raft

import (
	"testing"
)

// TestRole_String tests the String method of Role.
func TestRole_String(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		expected string
	}{
		{
			name:     "Learner",
			role:     Learner,
			expected: "Learner",
		},
		{
			name:     "Voter",
			role:     Voter,
			expected: "Voter",
		},
		{
			name:     "Unknown role",
			role:     Role(99),
			expected: "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.role.String()
			if result != tt.expected {
				t.Errorf("Role(%d).String() = %q, want %q",
					tt.role, result, tt.expected)
			}
		})
	}
}

// TestMembership_Equal tests the Equal method of Membership.
func TestMembership_Equal(t *testing.T) {
	tests := []struct {
		name     string
		m1       *Membership
		m2       *Membership
		expected bool
	}{
		{
			name:     "both nil",
			m1:       nil,
			m2:       nil,
			expected: true,
		},
		{
			name:     "first nil",
			m1:       nil,
			m2:       &Membership{Peers: []Peer{}},
			expected: false,
		},
		{
			name:     "second nil",
			m1:       &Membership{Peers: []Peer{}},
			m2:       nil,
			expected: false,
		},
		{
			name:     "both empty",
			m1:       &Membership{Peers: []Peer{}},
			m2:       &Membership{Peers: []Peer{}},
			expected: true,
		},
		{
			name: "same single peer",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			expected: true,
		},
		{
			name: "different peer count",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
				{ID: 2, Address: "addr2", Role: Learner},
			}},
			expected: false,
		},
		{
			name: "different ID",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 2, Address: "addr1", Role: Voter},
			}},
			expected: false,
		},
		{
			name: "different Address",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr2", Role: Voter},
			}},
			expected: false,
		},
		{
			name: "different Role",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Learner},
			}},
			expected: false,
		},
		{
			name: "multiple peers same",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
				{ID: 2, Address: "addr2", Role: Learner},
				{ID: 3, Address: "addr3", Role: Voter},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
				{ID: 2, Address: "addr2", Role: Learner},
				{ID: 3, Address: "addr3", Role: Voter},
			}},
			expected: true,
		},
		{
			name: "multiple peers different order",
			m1: &Membership{Peers: []Peer{
				{ID: 1, Address: "addr1", Role: Voter},
				{ID: 2, Address: "addr2", Role: Learner},
			}},
			m2: &Membership{Peers: []Peer{
				{ID: 2, Address: "addr2", Role: Learner},
				{ID: 1, Address: "addr1", Role: Voter},
			}},
			expected: false, // Order matters
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.m1.Equal(tt.m2)
			if result != tt.expected {
				t.Errorf("Membership.Equal() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestMembership_Find tests peer lookup by id.
func TestMembership_Find(t *testing.T) {
	m := &Membership{Peers: []Peer{
		{ID: 1, Address: "addr1", Role: Voter},
		{ID: 2, Address: "addr2", Role: Learner},
	}}

	if p := m.Find(2); p == nil || p.Address != "addr2" || p.Role != Learner {
		t.Errorf("Find(2) = %+v, want learner at addr2", p)
	}
	if p := m.Find(9); p != nil {
		t.Errorf("Find(9) = %+v, want nil", p)
	}

	var nilMembership *Membership
	if p := nilMembership.Find(1); p != nil {
		t.Errorf("nil.Find(1) = %+v, want nil", p)
	}

	// Find returns a pointer into the slice so role promotions stick.
	m.Find(2).Role = Voter
	if m.Peers[1].Role != Voter {
		t.Error("mutation through Find did not reach the membership")
	}
}

// TestMembership_Clone tests that Clone produces an independent copy.
func TestMembership_Clone(t *testing.T) {
	m := &Membership{Peers: []Peer{
		{ID: 1, Address: "addr1", Role: Voter},
		{ID: 2, Address: "addr2", Role: Learner},
	}}

	clone := m.Clone()
	if !m.Equal(clone) {
		t.Fatal("clone is not equal to original")
	}

	clone.Peers[1].Role = Voter
	if m.Peers[1].Role != Learner {
		t.Error("mutating clone changed the original")
	}

	var nilMembership *Membership
	if nilMembership.Clone() != nil {
		t.Error("nil.Clone() should be nil")
	}
}

// TestMembershipSerialization tests the round trip through the wire format.
func TestMembershipSerialization(t *testing.T) {
	tests := []struct {
		name string
		m    *Membership
	}{
		{
			name: "empty",
			m:    &Membership{},
		},
		{
			name: "single voter",
			m: &Membership{Peers: []Peer{
				{ID: 1, Address: "127.0.0.1:7100", Role: Voter},
			}},
		},
		{
			name: "mixed roles",
			m: &Membership{Peers: []Peer{
				{ID: 1, Address: "127.0.0.1:7100", Role: Voter},
				{ID: 2, Address: "127.0.0.1:7101", Role: Voter},
				{ID: 3, Address: "127.0.0.1:7102", Role: Learner},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := SerializeMembership(tt.m)
			if err != nil {
				t.Fatalf("SerializeMembership() error: %v", err)
			}

			got, err := DeserializeMembership(data)
			if err != nil {
				t.Fatalf("DeserializeMembership() error: %v", err)
			}

			if !got.Equal(tt.m) {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.m)
			}
		})
	}
}

// TestDeserializeMembershipEmpty tests that empty data yields an empty membership.
func TestDeserializeMembershipEmpty(t *testing.T) {
	m, err := DeserializeMembership(nil)
	if err != nil {
		t.Fatalf("DeserializeMembership(nil) error: %v", err)
	}
	if len(m.Peers) != 0 {
		t.Errorf("expected no peers, got %d", len(m.Peers))
	}
}
