package raftstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/kv"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := kv.NewMemStore()
	s, err := New(store)
	require.NoError(t, err)

	require.NoError(t, s.Put([]byte("k1"), []byte("v1")))

	v, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, []byte("v1"), v.Data())
}

func TestBatchWriteCommitsAllPuts(t *testing.T) {
	store := kv.NewMemStore()
	s, err := New(store)
	require.NoError(t, err)

	b := s.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	require.NoError(t, s.Write(b))
	b.Close()

	va, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), va.Data())
	va.Close()

	vb, err := s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vb.Data())
	vb.Close()
}

func TestBatchDataFromRoundTrip(t *testing.T) {
	store := kv.NewMemStore()
	s, err := New(store)
	require.NoError(t, err)

	b := s.NewBatch().(*batch)
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	data := b.Data()
	b.Close()

	replay := s.NewBatch().(*batch)
	replay.From(data)
	require.NoError(t, s.Write(replay))
	replay.Close()

	vx, err := s.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), vx.Data())
	vx.Close()

	vy, err := s.Get([]byte("y"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vy.Data())
	vy.Close()
}

func TestIteratorWalksPrefixInOrder(t *testing.T) {
	store := kv.NewMemStore()
	s, err := New(store)
	require.NoError(t, err)

	require.NoError(t, s.Put([]byte("log/1"), []byte("a")))
	require.NoError(t, s.Put([]byte("log/2"), []byte("b")))
	require.NoError(t, s.Put([]byte("other/1"), []byte("c")))

	it := s.Iter([]byte("log/"))
	defer it.Close()

	var keys []string
	for it.Next() {
		require.True(t, it.ValidPrefix())
		keys = append(keys, string(it.Key().Data()))
	}
	require.Equal(t, []string{"log/1", "log/2"}, keys)
}

func TestGetMissingKeyReturnsError(t *testing.T) {
	store := kv.NewMemStore()
	s, err := New(store)
	require.NoError(t, err)

	_, err = s.Get([]byte("missing"))
	require.Error(t, err)
}
