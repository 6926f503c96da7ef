package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

func seedTable(t *testing.T, store kv.Store) (exec.Table, Table) {
	t.Helper()
	execTbl := exec.Table{
		RegionID: 1,
		Primary:  proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeKey, Fields: []uint32{1}, State: proto.IndexStatePublic},
		},
	}
	scanTbl := Table{RegionID: execTbl.RegionID, Primary: execTbl.Primary, Indexes: execTbl.Indexes}

	rows := []proto.Tuple{
		{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("nyc")}},
		{Values: []proto.Value{proto.Int64Value(2), proto.StringValue("sf")}},
		{Values: []proto.Value{proto.Int64Value(3), proto.StringValue("nyc")}},
	}
	txn := store.Begin(nil)
	for _, row := range rows {
		require.NoError(t, exec.Insert(context.Background(), txn, execTbl, row))
	}
	require.NoError(t, txn.Commit(context.Background()))
	return execTbl, scanTbl
}

func TestChooseIndexPrefersEqualityMatchOverPrimary(t *testing.T) {
	tbl := Table{
		Primary: proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeKey, Fields: []uint32{1}},
		},
	}
	plan := ChooseIndex(tbl, map[uint32]bool{1: true}, nil)
	require.Equal(t, proto.TableID(2), plan.Index.IndexID)
}

func TestChooseIndexSkipsFulltextIndexes(t *testing.T) {
	tbl := Table{
		Primary: proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeFulltext, Fields: []uint32{1}},
		},
	}
	plan := ChooseIndex(tbl, map[uint32]bool{1: true}, nil)
	require.Equal(t, proto.TableID(1), plan.Index.IndexID)
}

func TestChooseIndexFallsBackToPrimaryWhenNoMatch(t *testing.T) {
	tbl := Table{
		Primary: proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeKey, Fields: []uint32{1}},
		},
	}
	plan := ChooseIndex(tbl, nil, nil)
	require.Equal(t, proto.TableID(1), plan.Index.IndexID)
}

func TestIteratorScansPrimaryIndexForward(t *testing.T) {
	store := kv.NewMemStore()
	_, tbl := seedTable(t, store)

	it := NewIterator(context.Background(), store, nil, tbl, Plan{Index: tbl.Primary})
	defer it.Close()

	var pks []int64
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		pks = append(pks, row.Values[0].Int64())
	}
	require.Equal(t, []int64{1, 2, 3}, pks)
}

func TestIteratorKeyOnlySecondaryIndexScan(t *testing.T) {
	// The city index is non-unique, so its key tuple carries the primary
	// key appended after the indexed field (§3); KeyOnly must still decode
	// just the leading "city" value and ignore that trailing suffix.
	store := kv.NewMemStore()
	_, tbl := seedTable(t, store)

	it := NewIterator(context.Background(), store, nil, tbl, Plan{Index: tbl.Indexes[0], KeyOnly: true})
	defer it.Close()

	var cities []string
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Len(t, row.Values, 1)
		cities = append(cities, row.Values[0].String())
	}
	require.Equal(t, []string{"nyc", "nyc", "sf"}, cities)
}

func TestIteratorKeyOnlyUniqueSecondaryIndexScan(t *testing.T) {
	store := kv.NewMemStore()
	execTbl := exec.Table{
		RegionID: 1,
		Primary:  proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		Indexes: []proto.IndexInfo{
			{IndexID: 2, Type: proto.IndexTypeUnique, Fields: []uint32{1}, Unique: true, State: proto.IndexStatePublic},
		},
	}
	scanTbl := Table{RegionID: execTbl.RegionID, Primary: execTbl.Primary, Indexes: execTbl.Indexes}

	rows := []proto.Tuple{
		{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a@x.com")}},
		{Values: []proto.Value{proto.Int64Value(2), proto.StringValue("b@x.com")}},
	}
	txn := store.Begin(nil)
	for _, row := range rows {
		require.NoError(t, exec.Insert(context.Background(), txn, execTbl, row))
	}
	require.NoError(t, txn.Commit(context.Background()))

	it := NewIterator(context.Background(), store, nil, scanTbl, Plan{Index: scanTbl.Indexes[0], KeyOnly: true})
	defer it.Close()

	var emails []string
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		emails = append(emails, row.Values[0].String())
	}
	require.Equal(t, []string{"a@x.com", "b@x.com"}, emails)
}

func TestIteratorSecondaryIndexFetchesFullRow(t *testing.T) {
	store := kv.NewMemStore()
	_, tbl := seedTable(t, store)

	it := NewIterator(context.Background(), store, nil, tbl, Plan{Index: tbl.Indexes[0]})
	defer it.Close()

	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, row.Values, 2)
}
