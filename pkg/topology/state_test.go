package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genState(t *rapid.T) *State {
	s := NewState()
	names := rapid.SliceOfNDistinct(
		rapid.StringMatching(`[a-z]{1,8}`), 0, 4, rapid.ID[string],
	).Draw(t, "collections")

	states := []ReplicaState{ReplicaActive, ReplicaInitializing, ReplicaDead}
	for _, name := range names {
		shardNumber := rapid.Uint32Range(1, 4).Draw(t, "shards")
		shards := make(map[uint32]*Shard, shardNumber)
		for id := uint32(0); id < shardNumber; id++ {
			peers := rapid.SliceOfNDistinct(
				rapid.Uint64Range(1, 6), 0, 3, rapid.ID[uint64],
			).Draw(t, "peers")
			replicas := make(map[uint64]ReplicaState, len(peers))
			for _, p := range peers {
				replicas[p] = rapid.SampledFrom(states).Draw(t, "state")
			}
			shard := &Shard{Replicas: replicas}
			if len(peers) >= 2 && rapid.Bool().Draw(t, "transfer") {
				shard.Transfer = &Transfer{
					ID:   rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "tid"),
					From: peers[0],
					To:   peers[1],
					Move: rapid.Bool().Draw(t, "move"),
				}
			}
			shards[id] = shard
		}
		s.Collections[name] = &Collection{
			Name:              name,
			ShardNumber:       shardNumber,
			ReplicationFactor: rapid.Uint32Range(1, 3).Draw(t, "rf"),
			Shards:            shards,
		}
	}

	for _, name := range names {
		if rapid.Bool().Draw(t, "alias") {
			s.Aliases["alias-"+name] = name
		}
	}
	return s
}

func TestStateCloneIsDeepAndEqual(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genState(t)
		clone := original.Clone()

		require.Equal(t, original, clone)

		// Mutating the clone must not reach the original.
		for _, c := range clone.Collections {
			for _, shard := range c.Shards {
				for peer := range shard.Replicas {
					shard.Replicas[peer] = ReplicaDead
				}
				shard.Transfer = nil
			}
			delete(clone.Collections, c.Name)
			break
		}
		for alias := range clone.Aliases {
			delete(clone.Aliases, alias)
		}

		require.Equal(t, original, original.Clone())
	})
}

func TestStateMarshalRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genState(t)

		data, err := original.Marshal()
		require.NoError(t, err)

		restored, err := UnmarshalState(data)
		require.NoError(t, err)
		require.Equal(t, original, restored)
	})
}

func TestUnmarshalStateNormalizesNilMaps(t *testing.T) {
	s, err := UnmarshalState([]byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, s.Collections)
	require.NotNil(t, s.Aliases)
}

func TestResolveFollowsAlias(t *testing.T) {
	s := NewState()
	s.Collections["vectors"] = &Collection{Name: "vectors", ShardNumber: 1}
	s.Aliases["prod"] = "vectors"
	s.Aliases["dangling"] = "gone"

	require.Equal(t, "vectors", s.Resolve("vectors").Name)
	require.Equal(t, "vectors", s.Resolve("prod").Name)
	require.Nil(t, s.Resolve("dangling"))
	require.Nil(t, s.Resolve("missing"))
}
