package buntstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerostore/migrate/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFlattenNewestGenerationWins(t *testing.T) {
	st := newStore(t)
	digest := []byte{1, 2, 3, 4}

	older := storage.PickledRecord{Digest: digest, Generation: 1, LastUpdateTime: 10, RecordBuf: []byte("v1")}
	assert.Equal(t, storage.FlattenOK, st.Flatten(nil, "ns", &older, storage.ComponentNormal))

	newer := storage.PickledRecord{Digest: digest, Generation: 2, LastUpdateTime: 20, RecordBuf: []byte("v2")}
	assert.Equal(t, storage.FlattenOK, st.Flatten(nil, "ns", &newer, storage.ComponentNormal))

	rec, ok := st.Get("ns", digest)
	require.True(t, ok)
	assert.Equal(t, "v2", string(rec.RecordBuf))
}

func TestFlattenDuplicateIsIgnored(t *testing.T) {
	st := newStore(t)
	digest := []byte{5, 6, 7, 8}

	rec := storage.PickledRecord{Digest: digest, Generation: 1, LastUpdateTime: 10, RecordBuf: []byte("first")}
	assert.Equal(t, storage.FlattenOK, st.Flatten(nil, "ns", &rec, storage.ComponentNormal))

	dup := storage.PickledRecord{Digest: digest, Generation: 1, LastUpdateTime: 10, RecordBuf: []byte("second")}
	assert.Equal(t, storage.FlattenOK, st.Flatten(nil, "ns", &dup, storage.ComponentNormal))

	got, ok := st.Get("ns", digest)
	require.True(t, ok)
	assert.Equal(t, "first", string(got.RecordBuf))
}

// Generation-0-coerced-to-1 (spec §4.5 step 2) is handle_insert's job,
// not Flatten's — see migrate.TestHandleInsertCoercesGenerationZero.

func TestFlattenEmptyBufDropped(t *testing.T) {
	st := newStore(t)
	rec := storage.PickledRecord{Digest: []byte{9}, Generation: 1}
	assert.Equal(t, storage.FlattenRace, st.Flatten(nil, "ns", &rec, storage.ComponentNormal))
	_, ok := st.Get("ns", []byte{9})
	assert.False(t, ok)
}

func TestWalkTreeFiltersByPartitionAndSubRecord(t *testing.T) {
	st := newStore(t)
	parent := storage.PickledRecord{Digest: []byte{0, 0, 0, 0}, Generation: 1, RecordBuf: []byte("p")}
	sub := storage.PickledRecord{
		Digest: []byte{0, 0, 0, 1}, Generation: 1, RecordBuf: []byte("s"),
		RecProps: &storage.RecProps{Flags: storage.FlagSubRecord},
	}
	require.NoError(t, st.Put("ns", parent))
	require.NoError(t, st.Put("ns", sub))

	var parents, subs int
	_ = st.WalkTree(nil, "ns", 1, 0, false, func(ref *storage.RecordRef) bool { parents++; return true })
	_ = st.WalkTree(nil, "ns", 1, 0, true, func(ref *storage.RecordRef) bool { subs++; return true })

	assert.Equal(t, 1, parents)
	assert.Equal(t, 1, subs)
}

func TestDeleteReportsExisted(t *testing.T) {
	st := newStore(t)
	digest := []byte{1, 2, 3}
	require.NoError(t, st.Put("ns", storage.PickledRecord{Digest: digest, Generation: 1, RecordBuf: []byte("x")}))

	existed, err := st.Delete(nil, "ns", digest)
	require.NoError(t, err)
	assert.True(t, existed)
	_, ok := st.Get("ns", digest)
	assert.False(t, ok)

	existed, err = st.Delete(nil, "ns", digest)
	require.NoError(t, err)
	assert.False(t, existed, "second delete of an already-absent digest reports not-existed")
}

func TestTruncatedAfter(t *testing.T) {
	st := newStore(t)
	assert.False(t, st.TruncatedAfter("ns", 100))

	require.NoError(t, st.Truncate(nil, "ns", 100))
	assert.True(t, st.TruncatedAfter("ns", 50))
	assert.False(t, st.TruncatedAfter("ns", 150))

	require.NoError(t, st.Truncate(nil, "ns", 80)) // older stamp must not move the watermark back
	assert.False(t, st.TruncatedAfter("ns", 100))
}
