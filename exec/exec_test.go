package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/codec"
	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

func testTable() Table {
	return Table{
		RegionID: 1,
		Primary:  proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeUnique, Fields: []uint32{1}, Unique: true, State: proto.IndexStatePublic},
			{IndexID: 3, Type: proto.IndexTypeKey, Fields: []uint32{2}, State: proto.IndexStatePublic},
		},
	}
}

func row(pk int64, email, city string) proto.Tuple {
	return proto.Tuple{Values: []proto.Value{proto.Int64Value(pk), proto.StringValue(email), proto.StringValue(city)}}
}

func TestInsertWritesPrimaryAndSecondaryIndexes(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()
	txn := store.Begin(nil)

	require.NoError(t, Insert(context.Background(), txn, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	got, ok, err := Get(context.Background(), store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, row(1, "a@x.com", "nyc").Values, got.Values)
}

func TestInsertDuplicatePrimaryKeyFails(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()

	txn := store.Begin(nil)
	require.NoError(t, Insert(context.Background(), txn, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	txn2 := store.Begin(nil)
	err := Insert(context.Background(), txn2, tbl, row(1, "b@x.com", "la"))
	require.Error(t, err)
	require.Equal(t, int32(1062), regionerrors.MysqlCode(err))
}

func TestInsertDuplicateUniqueIndexFails(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()

	txn := store.Begin(nil)
	require.NoError(t, Insert(context.Background(), txn, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	txn2 := store.Begin(nil)
	err := Insert(context.Background(), txn2, tbl, row(2, "a@x.com", "la"))
	require.Error(t, err)
	require.Equal(t, int32(1062), regionerrors.MysqlCode(err))
}

func TestDeleteRemovesPrimaryAndSecondaryIndexes(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()

	txn := store.Begin(nil)
	require.NoError(t, Insert(context.Background(), txn, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	txn2 := store.Begin(nil)
	require.NoError(t, Delete(context.Background(), txn2, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn2.Commit(context.Background()))

	_, ok, err := Get(context.Background(), store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, nil)
	require.NoError(t, err)
	require.False(t, ok)

	pk := codec.EncodeTuple([]proto.Value{proto.Int64Value(1)})
	idxKey := secondaryKey(tbl.RegionID, tbl.Indexes[0], row(1, "a@x.com", "nyc"), pk)
	_, err = store.Get(context.Background(), kv.DefaultCF, idxKey, nil)
	require.Equal(t, kv.ErrNotFound, err)
}

func TestUpdateReplacesIndexEntries(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()

	txn := store.Begin(nil)
	require.NoError(t, Insert(context.Background(), txn, tbl, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	txn2 := store.Begin(nil)
	require.NoError(t, Update(context.Background(), txn2, tbl, row(1, "a@x.com", "nyc"), row(1, "a2@x.com", "sf")))
	require.NoError(t, txn2.Commit(context.Background()))

	got, ok, err := Get(context.Background(), store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sf", got.Values[2].String())

	pk := codec.EncodeTuple([]proto.Value{proto.Int64Value(1)})
	oldIdxKey := secondaryKey(tbl.RegionID, tbl.Indexes[0], row(1, "a@x.com", "nyc"), pk)
	_, err = store.Get(context.Background(), kv.DefaultCF, oldIdxKey, nil)
	require.Equal(t, kv.ErrNotFound, err, "stale secondary index entry must not survive an update")
}

func TestIndexRowSkipsIndexesNotYetWriting(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()
	notYet := proto.IndexInfo{IndexID: 4, Type: proto.IndexTypeKey, Fields: []uint32{2}, State: proto.IndexStateDeleteOnly}

	txn := store.Begin(nil)
	require.NoError(t, IndexRow(context.Background(), txn, tbl, notYet, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	reader := store.List(context.Background(), kv.DefaultCF, nil, nil, nil)
	_, _, ok := reader.Next()
	reader.Close()
	require.False(t, ok, "DELETE_ONLY index must not be written by backfill")
}

func TestIndexRowWritesWhenWriteOnly(t *testing.T) {
	store := kv.NewMemStore()
	tbl := testTable()
	backfilling := proto.IndexInfo{IndexID: 4, Type: proto.IndexTypeKey, Fields: []uint32{2}, State: proto.IndexStateWriteOnly}

	txn := store.Begin(nil)
	require.NoError(t, IndexRow(context.Background(), txn, tbl, backfilling, row(1, "a@x.com", "nyc")))
	require.NoError(t, txn.Commit(context.Background()))

	pk := codec.EncodeTuple([]proto.Value{proto.Int64Value(1)})
	idxKey := secondaryKey(tbl.RegionID, backfilling, row(1, "a@x.com", "nyc"), pk)
	v, err := store.Get(context.Background(), kv.DefaultCF, idxKey, nil)
	require.NoError(t, err)
	v.Close()
}

func TestRowLocksSerializeSameKey(t *testing.T) {
	locks := NewRowLocks()
	key := []byte("k1")
	require.True(t, locks.TryLock(key))
	require.False(t, locks.TryLock(key))
	locks.Unlock(key)
	require.True(t, locks.TryLock(key))
}
