package pointstore

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func upsert(t *testing.T, s *Store, points ...Point) {
	t.Helper()
	err := s.Apply(&Operation{
		Op:           OpUpsertPoints,
		UpsertPoints: &UpsertPoints{Points: points},
	})
	require.NoError(t, err)
}

func TestStoreUpsertAndGet(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 1, Vector: []float32{0.1, 0.2}}, Point{ID: 2})

	p, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2}, p.Vector)
	require.Equal(t, 2, s.Count())

	_, err = s.Get(9)
	require.ErrorIs(t, err, ErrPointNotFound)
}

func TestStoreUpsertReplaces(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 1, Payload: map[string]json.RawMessage{"city": json.RawMessage(`"oslo"`)}})
	upsert(t, s, Point{ID: 1, Vector: []float32{1}})

	p, err := s.Get(1)
	require.NoError(t, err)
	require.Nil(t, p.Payload, "upsert fully replaces the point")
	require.Equal(t, []float32{1}, p.Vector)
}

func TestStoreDeletePoints(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 1}, Point{ID: 2})

	err := s.Apply(&Operation{
		Op:           OpDeletePoints,
		DeletePoints: &DeletePoints{IDs: []uint64{1, 42}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())
	_, err = s.Get(1)
	require.ErrorIs(t, err, ErrPointNotFound)
}

func TestStorePayloadOperations(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 1}, Point{ID: 2})

	err := s.Apply(&Operation{
		Op: OpSetPayload,
		SetPayload: &SetPayload{
			IDs: []uint64{1, 2, 99},
			Payload: map[string]json.RawMessage{
				"city": json.RawMessage(`"oslo"`),
				"rank": json.RawMessage(`3`),
			},
		},
	})
	require.NoError(t, err)

	p, err := s.Get(1)
	require.NoError(t, err)
	require.Len(t, p.Payload, 2)

	err = s.Apply(&Operation{
		Op:            OpDeletePayload,
		DeletePayload: &DeletePayload{IDs: []uint64{1}, Keys: []string{"rank", "missing"}},
	})
	require.NoError(t, err)

	p, err = s.Get(1)
	require.NoError(t, err)
	require.Len(t, p.Payload, 1)
	require.Contains(t, p.Payload, "city")

	err = s.Apply(&Operation{
		Op:           OpClearPayload,
		ClearPayload: &ClearPayload{IDs: []uint64{2}},
	})
	require.NoError(t, err)

	p, err = s.Get(2)
	require.NoError(t, err)
	require.Empty(t, p.Payload)
}

func TestStoreApplyIsIdempotent(t *testing.T) {
	s := NewStore()
	ops := []*Operation{
		{Op: OpUpsertPoints, UpsertPoints: &UpsertPoints{Points: []Point{{ID: 1}, {ID: 2}}}},
		{Op: OpSetPayload, SetPayload: &SetPayload{
			IDs:     []uint64{1},
			Payload: map[string]json.RawMessage{"k": json.RawMessage(`"v"`)},
		}},
		{Op: OpDeletePoints, DeletePoints: &DeletePoints{IDs: []uint64{2}}},
	}

	for _, op := range ops {
		require.NoError(t, s.Apply(op))
	}
	var first bytes.Buffer
	require.NoError(t, s.Export(&first))

	// Replaying the tail of the log must not change the result.
	for _, op := range ops[1:] {
		require.NoError(t, s.Apply(op))
	}
	var second bytes.Buffer
	require.NoError(t, s.Export(&second))

	require.Equal(t, first.String(), second.String())
}

func TestStoreApplyRaw(t *testing.T) {
	s := NewStore()

	op := &Operation{Op: OpUpsertPoints, UpsertPoints: &UpsertPoints{Points: []Point{{ID: 7}}}}
	data, err := op.Encode()
	require.NoError(t, err)
	require.NoError(t, s.ApplyRaw(data))

	_, err = s.Get(7)
	require.NoError(t, err)

	require.ErrorIs(t, s.ApplyRaw([]byte("garbage")), ErrInvalidOperation)
	require.ErrorIs(t, s.ApplyRaw([]byte(`{"op":"explode"}`)), ErrInvalidOperation)
	require.ErrorIs(t, s.ApplyRaw([]byte(`{"op":"upsert_points"}`)), ErrInvalidOperation)
}

func TestStoreScroll(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 5}, Point{ID: 1}, Point{ID: 3}, Point{ID: 8})

	var ids []uint64
	s.Scroll(2, 2, func(p *Point) bool {
		ids = append(ids, p.ID)
		return true
	})
	require.Equal(t, []uint64{3, 5}, ids)

	ids = nil
	s.Scroll(0, 0, func(p *Point) bool {
		ids = append(ids, p.ID)
		return p.ID < 3
	})
	require.Equal(t, []uint64{1, 3}, ids)
}

func TestStoreExportImportRoundTrip(t *testing.T) {
	s := NewStore()
	upsert(t, s,
		Point{ID: 1, Vector: []float32{0.5}, Payload: map[string]json.RawMessage{"k": json.RawMessage(`1`)}},
		Point{ID: 2, Vector: []float32{1.5, 2.5}},
	)

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))

	dst := NewStore()
	upsert(t, dst, Point{ID: 99}) // import replaces existing contents
	require.NoError(t, dst.Import(&buf))

	require.Equal(t, 2, dst.Count())
	_, err := dst.Get(99)
	require.ErrorIs(t, err, ErrPointNotFound)

	p, err := dst.Get(1)
	require.NoError(t, err)
	require.Equal(t, []float32{0.5}, p.Vector)
	require.JSONEq(t, `1`, string(p.Payload["k"]))
}

func TestStoreImportBadData(t *testing.T) {
	s := NewStore()
	upsert(t, s, Point{ID: 1})

	err := s.Import(bytes.NewReader([]byte("{broken")))
	require.Error(t, err)
}

func genOperation(t *rapid.T) *Operation {
	ids := rapid.SliceOfN(rapid.Uint64Range(1, 20), 1, 5).Draw(t, "ids")
	switch rapid.IntRange(0, 4).Draw(t, "kind") {
	case 0:
		points := make([]Point, len(ids))
		for i, id := range ids {
			points[i] = Point{
				ID:     id,
				Vector: []float32{float32(rapid.IntRange(0, 100).Draw(t, "v"))},
			}
		}
		return &Operation{Op: OpUpsertPoints, UpsertPoints: &UpsertPoints{Points: points}}
	case 1:
		return &Operation{Op: OpDeletePoints, DeletePoints: &DeletePoints{IDs: ids}}
	case 2:
		return &Operation{Op: OpSetPayload, SetPayload: &SetPayload{
			IDs: ids,
			Payload: map[string]json.RawMessage{
				rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "key"): json.RawMessage(`true`),
			},
		}}
	case 3:
		return &Operation{Op: OpDeletePayload, DeletePayload: &DeletePayload{
			IDs:  ids,
			Keys: []string{rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "key")},
		}}
	default:
		return &Operation{Op: OpClearPayload, ClearPayload: &ClearPayload{IDs: ids}}
	}
}

// Two replicas applying the same operation sequence must converge to the
// same exported state.
func TestStoreReplicasConverge(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ops := rapid.SliceOfN(rapid.Custom(genOperation), 0, 20).Draw(t, "ops")

		a, b := NewStore(), NewStore()
		for _, op := range ops {
			require.NoError(t, a.Apply(op))
		}
		for _, op := range ops {
			require.NoError(t, b.Apply(op))
		}

		var ea, eb bytes.Buffer
		require.NoError(t, a.Export(&ea))
		require.NoError(t, b.Export(&eb))
		require.Equal(t, ea.String(), eb.String())
	})
}
