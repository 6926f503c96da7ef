package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

func testTable() exec.Table {
	return exec.Table{
		RegionID: 1,
		Primary:  proto.IndexInfo{IndexID: 1, Type: proto.IndexTypePrimary, Fields: []uint32{0}},
	}
}

func row(pk int64, city string) proto.Tuple {
	return proto.Tuple{Values: []proto.Value{proto.Int64Value(pk), proto.StringValue(city)}}
}

func insertPlan(rows ...proto.Tuple) CachedPlan {
	return CachedPlan{OpType: proto.OpInsert, Tuples: rows}
}

func newTestTxn() (*Txn, kv.Store) {
	store := kv.NewMemStore()
	return New(1, 1, store.Begin(nil)), store
}

func TestRecordSeqCachesResultAndAdvancesLastSeqID(t *testing.T) {
	tr, _ := newTestTxn()
	tr.RecordSeq(1, 3, proto.ErrCodeSuccess, insertPlan(row(1, "nyc")))
	tr.RecordSeq(2, 2, proto.ErrCodeSuccess, insertPlan(row(2, "nyc")))

	res, ok := tr.Applied(1)
	require.True(t, ok)
	require.Equal(t, int64(3), res.AffectedRows)

	require.Equal(t, uint64(2), tr.LastSeqID)
	require.Equal(t, int64(5), tr.AffectedRows)
}

func TestAppliedReportsMissOnUnseenSeq(t *testing.T) {
	tr, _ := newTestTxn()
	_, ok := tr.Applied(1)
	require.False(t, ok)
}

// TestRollbackSeqsRemovesRowsOfDiscardedSeq covers the need_rollback_seq
// scenario: seq 1 and seq 3 each insert a row, seq 3 is named in
// need_rollback_seq, and after the rollback only seq 1's row is present in
// the transaction's own kv.Txn once it commits.
func TestRollbackSeqsRemovesRowsOfDiscardedSeq(t *testing.T) {
	tr, store := newTestTxn()
	tbl := testTable()
	ctx := context.Background()

	require.NoError(t, exec.Insert(ctx, tr.KV(), tbl, row(1, "nyc")))
	tr.RecordSeq(1, 1, proto.ErrCodeSuccess, insertPlan(row(1, "nyc")))

	require.NoError(t, exec.Insert(ctx, tr.KV(), tbl, row(3, "sfo")))
	tr.RecordSeq(3, 1, proto.ErrCodeSuccess, insertPlan(row(3, "sfo")))

	lineDiff, err := tr.RollbackSeqs(ctx, store, tbl, []uint64{3})
	require.NoError(t, err)
	require.Equal(t, int64(-1), lineDiff, "rolled-back insert must be backed out of num_table_lines")

	require.NoError(t, tr.KV().Commit(ctx))

	_, ok, err := exec.Get(ctx, store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, nil)
	require.NoError(t, err)
	require.True(t, ok, "surviving seq 1's row must still be present after commit")

	_, ok, err = exec.Get(ctx, store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(3)}, nil)
	require.NoError(t, err)
	require.False(t, ok, "rolled-back seq 3's row must be absent after commit")

	_, ok = tr.Applied(3)
	require.False(t, ok, "discarded seq must no longer be recorded as applied")
	res, ok := tr.Applied(1)
	require.True(t, ok)
	require.Equal(t, int64(1), res.AffectedRows)
	require.Equal(t, int64(1), tr.AffectedRows, "AffectedRows must be recomputed from surviving seqs only")
}

// TestRecordSeqTracksNumIncreaseRows covers the row-count bookkeeping a
// terminal ROLLBACK relies on to back out an already-applied insert: a
// mix of inserts and deletes must net out to the transaction's true
// effect on num_table_lines, not just the per-statement AffectedRows sum.
func TestRecordSeqTracksNumIncreaseRows(t *testing.T) {
	tr, _ := newTestTxn()
	tr.RecordSeq(1, 2, proto.ErrCodeSuccess, insertPlan(row(1, "nyc"), row(2, "nyc")))
	require.Equal(t, int64(2), tr.NumIncreaseRows)

	tr.RecordSeq(2, 1, proto.ErrCodeSuccess, CachedPlan{OpType: proto.OpDelete, Tuples: []proto.Tuple{row(1, "nyc")}})
	require.Equal(t, int64(1), tr.NumIncreaseRows)

	tr.RecordSeq(3, 1, proto.ErrCodeSuccess, CachedPlan{OpType: proto.OpUpdate, Tuples: []proto.Tuple{row(2, "nyc"), row(2, "sfo")}})
	require.Equal(t, int64(1), tr.NumIncreaseRows, "an update never changes the row count")
}

// TestRollbackSeqsAdjustsNumIncreaseRows covers the partial-rollback case:
// discarding an inserting seq must remove its contribution from
// NumIncreaseRows too, not just from the returned lineDiff, so a later
// full ROLLBACK of the surviving seqs backs out the right amount.
func TestRollbackSeqsAdjustsNumIncreaseRows(t *testing.T) {
	tr, store := newTestTxn()
	tbl := testTable()
	ctx := context.Background()

	require.NoError(t, exec.Insert(ctx, tr.KV(), tbl, row(1, "nyc")))
	tr.RecordSeq(1, 1, proto.ErrCodeSuccess, insertPlan(row(1, "nyc")))
	require.NoError(t, exec.Insert(ctx, tr.KV(), tbl, row(3, "sfo")))
	tr.RecordSeq(3, 1, proto.ErrCodeSuccess, insertPlan(row(3, "sfo")))
	require.Equal(t, int64(2), tr.NumIncreaseRows)

	_, err := tr.RollbackSeqs(ctx, store, tbl, []uint64{3})
	require.NoError(t, err)
	require.Equal(t, int64(1), tr.NumIncreaseRows, "discarding seq 3's insert must remove its row from the running total")
}

func TestRollbackSeqsDiscardsMultipleNamedSeqs(t *testing.T) {
	tr, store := newTestTxn()
	tbl := testTable()
	ctx := context.Background()

	for _, seq := range []uint64{1, 2, 3} {
		require.NoError(t, exec.Insert(ctx, tr.KV(), tbl, row(int64(seq), "nyc")))
		tr.RecordSeq(seq, 1, proto.ErrCodeSuccess, insertPlan(row(int64(seq), "nyc")))
	}

	_, err := tr.RollbackSeqs(ctx, store, tbl, []uint64{1, 2})
	require.NoError(t, err)
	require.NoError(t, tr.KV().Commit(ctx))

	for _, seq := range []int64{1, 2} {
		_, ok, err := exec.Get(ctx, store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(seq)}, nil)
		require.NoError(t, err)
		require.False(t, ok)
	}
	_, ok, err := exec.Get(ctx, store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(3)}, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPlansReturnsCachedPlansInSeqOrder(t *testing.T) {
	tr, _ := newTestTxn()
	tr.RecordSeq(2, 1, proto.ErrCodeSuccess, insertPlan(row(2, "nyc")))
	tr.RecordSeq(1, 1, proto.ErrCodeSuccess, insertPlan(row(1, "nyc")))

	plans := tr.Plans()
	require.Len(t, plans, 2)
	require.Equal(t, row(1, "nyc"), plans[0].Tuples[0])
	require.Equal(t, row(2, "nyc"), plans[1].Tuples[0])
}

func TestMarkPreparedSetsPreparedAtIndex(t *testing.T) {
	tr, _ := newTestTxn()
	tr.MarkPrepared(42)
	require.True(t, tr.Prepared)
	require.Equal(t, uint64(42), tr.PreparedAtIndex)
}

func TestPoolBeginGetFinish(t *testing.T) {
	pool := NewPool(0)
	store := kv.NewMemStore()

	tr := pool.Begin(1, 1, store.Begin(nil))
	require.NotNil(t, tr)
	require.Equal(t, 1, pool.Len())

	got, ok := pool.Get(1)
	require.True(t, ok)
	require.Same(t, tr, got)

	pool.Finish(1, proto.ErrCodeSuccess, 5)
	require.Equal(t, 0, pool.Len())

	_, ok = pool.Get(1)
	require.False(t, ok)

	code, affected, done := pool.Finished(1)
	require.True(t, done)
	require.Equal(t, proto.ErrCodeSuccess, code)
	require.Equal(t, int64(5), affected)
}

func TestPoolFinishedCacheEvictsOldestBeyondCap(t *testing.T) {
	pool := NewPool(2)
	store := kv.NewMemStore()

	for id := proto.TxnID(1); id <= 3; id++ {
		pool.Begin(id, 1, store.Begin(nil))
		pool.Finish(id, proto.ErrCodeSuccess, int64(id))
	}

	_, _, done := pool.Finished(1)
	require.False(t, done, "oldest finished entry must be evicted once cap is exceeded")

	_, _, done = pool.Finished(3)
	require.True(t, done)
}

func TestPoolAbandonClearsActiveWithoutFinishing(t *testing.T) {
	pool := NewPool(0)
	store := kv.NewMemStore()
	pool.Begin(1, 1, store.Begin(nil))
	pool.Begin(2, 1, store.Begin(nil))

	abandoned := pool.Abandon()
	require.Len(t, abandoned, 2)
	require.Equal(t, 0, pool.Len())

	_, _, done := pool.Finished(1)
	require.False(t, done)
}
