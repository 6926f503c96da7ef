package region

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
)

func newTestRegion() (*Region, kv.Store) {
	store := kv.NewMemStore()
	info := &proto.RegionInfo{
		ID:      1,
		TableID: 1,
		Version: 1,
		Indexes: []proto.IndexInfo{
			{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		},
	}
	return New(DefaultConfig(1), store, info), store
}

func proposal(op proto.OpType, req *proto.Request) raftgroup.ProposalData {
	return raftgroup.ProposalData{Op: uint32(op), Data: codec.EncodeRequest(req)}
}

func TestApplyInsertAdvancesAppliedIndexAndLineCount(t *testing.T) {
	r, _ := newTestRegion()

	req := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
			{Values: []proto.Value{proto.Int64Value(2), proto.StringValue("b")}},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 10)
	require.NoError(t, err)
	require.Len(t, rets, 1)
	resp := rets[0].(*proto.Response)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
	require.Equal(t, int64(2), resp.AffectedRows)

	require.Equal(t, uint64(10), r.AppliedIndex())
	require.Equal(t, int64(2), r.Info().NumTableLines)
}

func TestApplyDuplicateInsertFailsUniqueKey(t *testing.T) {
	r, _ := newTestRegion()

	req := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	_, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 1)
	require.NoError(t, err)

	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 2)
	require.NoError(t, err)
	resp := rets[0].(*proto.Response)
	require.Equal(t, int32(1062), resp.MysqlErrCode)
	require.Equal(t, int64(1), r.Info().NumTableLines)
}

func TestApplyDiscardsAlreadyCoveredBatch(t *testing.T) {
	r, _ := newTestRegion()

	req := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	_, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Info().NumTableLines)

	// Re-delivering a batch at or below the applied index (e.g. after a
	// restart that replays a log tail) must not re-execute it: a second
	// insert of the same row would otherwise fail on the unique key.
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 5)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, rets[0].(*proto.Response).ErrCode)
	require.Equal(t, int64(1), r.Info().NumTableLines)
}

func TestApplyDeleteDecrementsLineCount(t *testing.T) {
	r, _ := newTestRegion()

	insert := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	_, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, insert)}, 1)
	require.NoError(t, err)

	del := &proto.Request{
		OpType: proto.OpDelete,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpDelete, del)}, 2)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, rets[0].(*proto.Response).ErrCode)
	require.Equal(t, int64(0), r.Info().NumTableLines)
}

func TestApplyKVBatchWritesRawRows(t *testing.T) {
	r, store := newTestRegion()

	key := codec.EncodeIndexKey(1, 1, []byte("rawkey"))
	req := &proto.Request{
		OpType: proto.OpKVBatch,
		KVOps: []proto.KVOp{
			{Key: key, Value: []byte("rawvalue")},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpKVBatch, req)}, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), rets[0].(*proto.Response).AffectedRows)

	v, err := store.Begin(nil).Get(context.Background(), kv.DefaultCF, key)
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, []byte("rawvalue"), v.Value())
}

// TestApplyTxnCommitHonorsNeedRollbackSeqs is the S2 scenario: a
// transaction inserts under seq 1 and seq 3, PREPARE names seq 3 in
// need_rollback_seq, and after COMMIT only seq 1's row is present and
// num_table_lines reflects a single row, not two.
func TestApplyTxnCommitHonorsNeedRollbackSeqs(t *testing.T) {
	r, _ := newTestRegion()
	ctx := context.Background()

	begin := &proto.Request{OpType: proto.OpBegin, TxnInfos: []proto.TxnInfo{{TxnID: 1}}}
	_, err := r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpBegin, begin)}, 1)
	require.NoError(t, err)

	insertSeq1 := &proto.Request{
		OpType:   proto.OpInsert,
		TxnInfos: []proto.TxnInfo{{TxnID: 1, LastSeqID: 1}},
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	_, err = r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpInsert, insertSeq1)}, 2)
	require.NoError(t, err)

	insertSeq3 := &proto.Request{
		OpType:   proto.OpInsert,
		TxnInfos: []proto.TxnInfo{{TxnID: 1, LastSeqID: 3}},
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(3), proto.StringValue("c")}},
		},
	}
	_, err = r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpInsert, insertSeq3)}, 3)
	require.NoError(t, err)

	prepare := &proto.Request{
		OpType:   proto.OpPrepare,
		TxnInfos: []proto.TxnInfo{{TxnID: 1, LastSeqID: 3, NeedRollbackSeqs: []uint64{3}}},
	}
	_, err = r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpPrepare, prepare)}, 4)
	require.NoError(t, err)

	commit := &proto.Request{OpType: proto.OpCommit, TxnInfos: []proto.TxnInfo{{TxnID: 1}}}
	rets, err := r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpCommit, commit)}, 5)
	require.NoError(t, err)
	resp := rets[0].(*proto.Response)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
	require.Equal(t, int64(1), resp.AffectedRows)

	require.Equal(t, int64(1), r.Info().NumTableLines, "rolled-back seq 3's insert must not count toward num_table_lines")

	snap := r.store.NewSnapshot()
	defer snap.Close()
	tbl := r.table(r.Info())
	_, ok, err := exec.Get(ctx, r.store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, snap)
	require.NoError(t, err)
	require.True(t, ok, "surviving seq 1's row must be present after commit")

	_, ok, err = exec.Get(ctx, r.store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(3)}, snap)
	require.NoError(t, err)
	require.False(t, ok, "rolled-back seq 3's row must be absent after commit")
}

// TestApplyTxnRollbackBacksOutLineCount covers a full 2PC ROLLBACK after an
// insert-bearing transaction: the insert already advanced num_table_lines
// at DML-apply time (its row must be visible to a concurrent scan before
// the transaction's fate is known), so the terminal ROLLBACK must back
// that count out again instead of leaving num_table_lines permanently
// inflated.
func TestApplyTxnRollbackBacksOutLineCount(t *testing.T) {
	r, _ := newTestRegion()
	ctx := context.Background()

	begin := &proto.Request{OpType: proto.OpBegin, TxnInfos: []proto.TxnInfo{{TxnID: 1}}}
	_, err := r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpBegin, begin)}, 1)
	require.NoError(t, err)

	insert := &proto.Request{
		OpType:   proto.OpInsert,
		TxnInfos: []proto.TxnInfo{{TxnID: 1, LastSeqID: 1}},
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
			{Values: []proto.Value{proto.Int64Value(2), proto.StringValue("b")}},
		},
	}
	_, err = r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpInsert, insert)}, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), r.Info().NumTableLines, "the insert counts toward num_table_lines before the txn resolves")

	rollback := &proto.Request{OpType: proto.OpRollback, TxnInfos: []proto.TxnInfo{{TxnID: 1}}}
	rets, err := r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpRollback, rollback)}, 3)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, rets[0].(*proto.Response).ErrCode)

	require.Equal(t, int64(0), r.Info().NumTableLines, "a rolled-back transaction's inserts must not count toward num_table_lines")

	snap := r.store.NewSnapshot()
	defer snap.Close()
	tbl := r.table(r.Info())
	_, ok, err := exec.Get(ctx, r.store, kv.DefaultCF, tbl, []proto.Value{proto.Int64Value(1)}, snap)
	require.NoError(t, err)
	require.False(t, ok, "a rolled-back row must not be visible after rollback")

	// A subsequent autocommit insert must see a clean count, not one still
	// inflated by the rolled-back transaction.
	again := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(3), proto.StringValue("c")}},
		},
	}
	_, err = r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpInsert, again)}, 4)
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Info().NumTableLines)
}

// TestQueryVersionOldAttachesMergeSiblingAfterAdjustKey covers a client that
// keeps routing to a region absorbed by a merge: once OpAdjustKeyAndAddVersion
// has collapsed this region to the merged-away sentinel, its VERSION_OLD
// response must still carry a descriptor covering the client's key, namely
// the surviving sibling recorded via RelatedRegionInfo.
func TestQueryVersionOldAttachesMergeSiblingAfterAdjustKey(t *testing.T) {
	store := kv.NewMemStore()
	info := &proto.RegionInfo{ID: 1, TableID: 1, Version: 1, StartKey: []byte("m"), EndKey: []byte("z")}
	r := New(DefaultConfig(1), store, info)
	ctx := context.Background()

	adjust := &proto.Request{
		OpType:        proto.OpAdjustKeyAndAddVersion,
		RegionID:      1,
		RegionVersion: 1,
		NewRegionInfo: &proto.RegionInfo{ID: 1, StartKey: []byte("m"), EndKey: []byte("m"), Status: proto.RegionStatusIdle},
		RelatedRegionInfo: &proto.RegionInfo{
			ID: 2, StartKey: []byte("a"), EndKey: []byte("z"), Version: 2,
		},
	}
	rets, err := r.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpAdjustKeyAndAddVersion, adjust)}, 1)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, rets[0].(*proto.Response).ErrCode)
	require.True(t, r.Info().Merged())

	resp, err := r.Query(ctx, &proto.Request{OpType: proto.OpSelect})
	require.NoError(t, err)
	require.NotEqual(t, proto.ErrCodeSuccess, resp.ErrCode)
	require.Len(t, resp.Regions, 2, "VERSION_OLD must carry this region's own descriptor plus its surviving sibling")
	require.True(t, resp.Regions[0].Merged())
	require.Equal(t, proto.RegionID(2), resp.Regions[1].ID)
	require.Equal(t, []byte("a"), resp.Regions[1].StartKey)
}

func TestApplyVersionOldRejectsStaleRequest(t *testing.T) {
	store := kv.NewMemStore()
	info := &proto.RegionInfo{
		ID:      1,
		TableID: 1,
		Version: 5,
		Indexes: []proto.IndexInfo{
			{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		},
	}
	r := New(DefaultConfig(1), store, info)

	req := &proto.Request{
		OpType:        proto.OpInsert,
		RegionVersion: 2,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, 1)
	require.NoError(t, err)
	resp := rets[0].(*proto.Response)
	require.NotEqual(t, proto.ErrCodeSuccess, resp.ErrCode)
}
