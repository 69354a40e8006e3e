package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openOpLog(t *testing.T) *OpLog {
	t.Helper()
	oplog, err := NewOpLog(t.TempDir() + "/oplog.db")
	require.NoError(t, err)
	t.Cleanup(func() { oplog.Close() })
	return oplog
}

func TestOpLogAppendAssignsMonotonicIDs(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 0)

	for want := uint64(1); want <= 5; want++ {
		id, err := shard.Append([]byte{byte(want)})
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	last, err := shard.LastAssigned()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestOpLogShardsAreIndependent(t *testing.T) {
	oplog := openOpLog(t)
	a := oplog.Shard("vectors", 0)
	b := oplog.Shard("vectors", 1)
	c := oplog.Shard("other", 0)

	id, err := a.Append([]byte("a1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	id, err = a.Append([]byte("a2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)

	// Each shard starts its own sequence at 1.
	id, err = b.Append([]byte("b1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	id, err = c.Append([]byte("c1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	payload, err := a.Get(2)
	require.NoError(t, err)
	require.Equal(t, []byte("a2"), payload)

	_, err = b.Get(2)
	require.ErrorIs(t, err, ErrOpNotFound)
}

func TestOpLogAppendAtIsIdempotent(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 3)

	require.NoError(t, shard.AppendAt(7, []byte("original")))
	// A retransmission of an already stored id must not overwrite it.
	require.NoError(t, shard.AppendAt(7, []byte("duplicate")))

	payload, err := shard.Get(7)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), payload)

	last, err := shard.LastAssigned()
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}

func TestOpLogLastAppliedPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/oplog.db"

	oplog, err := NewOpLog(path)
	require.NoError(t, err)
	shard := oplog.Shard("vectors", 0)

	for i := 0; i < 3; i++ {
		_, err := shard.Append([]byte("op"))
		require.NoError(t, err)
	}
	require.NoError(t, shard.SetLastApplied(2))
	require.NoError(t, oplog.Close())

	oplog, err = NewOpLog(path)
	require.NoError(t, err)
	defer oplog.Close()
	shard = oplog.Shard("vectors", 0)

	applied, err := shard.LastApplied()
	require.NoError(t, err)
	require.Equal(t, uint64(2), applied)

	assigned, err := shard.LastAssigned()
	require.NoError(t, err)
	require.Equal(t, uint64(3), assigned)

	// The next append continues the sequence, it does not restart it.
	id, err := shard.Append([]byte("op4"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), id)
}

func TestOpLogRangeReplaysInOrder(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 0)

	for i := 1; i <= 10; i++ {
		_, err := shard.Append([]byte{byte(i)})
		require.NoError(t, err)
	}

	var ids []uint64
	err := shard.Range(4, 8, func(id uint64, payload []byte) error {
		require.Equal(t, []byte{byte(id)}, payload)
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5, 6, 7, 8}, ids)

	// An inverted range visits nothing.
	err = shard.Range(8, 4, func(id uint64, payload []byte) error {
		t.Fatalf("unexpected visit of id %d", id)
		return nil
	})
	require.NoError(t, err)
}

func TestOpLogTrimBefore(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 0)

	for i := 1; i <= 6; i++ {
		_, err := shard.Append([]byte("op"))
		require.NoError(t, err)
	}
	require.NoError(t, shard.TrimBefore(4))

	_, err := shard.Get(3)
	require.ErrorIs(t, err, ErrOpNotFound)
	_, err = shard.Get(4)
	require.NoError(t, err)

	// Trimming must not disturb id assignment.
	id, err := shard.Append([]byte("op7"))
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
}

func TestOpLogResetAfterSnapshotImport(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 0)

	for i := 1; i <= 5; i++ {
		_, err := shard.Append([]byte("stale"))
		require.NoError(t, err)
	}

	// A snapshot import replaced the data wholesale at operation 42.
	require.NoError(t, shard.Reset(42))

	applied, err := shard.LastApplied()
	require.NoError(t, err)
	require.Equal(t, uint64(42), applied)

	_, err = shard.Get(3)
	require.ErrorIs(t, err, ErrOpNotFound)

	id, err := shard.Append([]byte("fresh"))
	require.NoError(t, err)
	require.Equal(t, uint64(43), id)
}

func TestOpLogDropRemovesShardState(t *testing.T) {
	oplog := openOpLog(t)
	shard := oplog.Shard("vectors", 0)

	_, err := shard.Append([]byte("op"))
	require.NoError(t, err)
	require.NoError(t, shard.SetLastApplied(1))

	require.NoError(t, shard.Drop())

	assigned, err := shard.LastAssigned()
	require.NoError(t, err)
	require.Equal(t, uint64(0), assigned)

	applied, err := shard.LastApplied()
	require.NoError(t, err)
	require.Equal(t, uint64(0), applied)

	// A re-created replica starts a fresh sequence.
	id, err := shard.Append([]byte("op"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}
