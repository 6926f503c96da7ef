package region

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
)

// TestReconcilePreparedTxnsFinalizesDanglingSentinel is the S6 scenario: a
// transaction is PREPAREd, the process is replaced by a fresh Region over
// the same store before COMMIT ever arrives (losing the in-memory Txn),
// and the restart path must finalize the dangling pre_commit sentinel so
// a later COMMIT/ROLLBACK answers from the idempotence cache instead of
// TXN_NOT_FOUND.
func TestReconcilePreparedTxnsFinalizesDanglingSentinel(t *testing.T) {
	r1, store := newTestRegion()
	ctx := context.Background()

	begin := &proto.Request{OpType: proto.OpBegin, TxnInfos: []proto.TxnInfo{{TxnID: 7}}}
	_, err := r1.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpBegin, begin)}, 1)
	require.NoError(t, err)

	insert := &proto.Request{
		OpType:   proto.OpInsert,
		TxnInfos: []proto.TxnInfo{{TxnID: 7, LastSeqID: 1}},
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("a")}},
		},
	}
	_, err = r1.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpInsert, insert)}, 2)
	require.NoError(t, err)

	prepare := &proto.Request{OpType: proto.OpPrepare, TxnInfos: []proto.TxnInfo{{TxnID: 7, LastSeqID: 1}}}
	_, err = r1.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpPrepare, prepare)}, 3)
	require.NoError(t, err)

	v, err := store.Get(ctx, kv.MetaCF, codec.PreCommitKey(r1.Info().ID, 7), nil)
	require.NoError(t, err)
	v.Close()

	// A fresh Region over the same store models a process restart: the
	// prepared txn's in-memory state (and its own buffered kv.Txn) is gone.
	r2 := New(DefaultConfig(1), store, r1.Info())
	require.NoError(t, r2.ReconcilePreparedTxns())

	_, err = store.Get(ctx, kv.MetaCF, codec.PreCommitKey(r1.Info().ID, 7), nil)
	require.ErrorIs(t, err, kv.ErrNotFound, "pre_commit sentinel must be deleted once reconciled")

	commit := &proto.Request{OpType: proto.OpCommit, TxnInfos: []proto.TxnInfo{{TxnID: 7}}}
	rets, err := r2.Apply(ctx, []raftgroup.ProposalData{proposal(proto.OpCommit, commit)}, 4)
	require.NoError(t, err)
	resp := rets[0].(*proto.Response)
	require.Equal(t, proto.ErrCodeTxnFollowUp, resp.ErrCode, "a retry of a dangling prepared txn must be told to follow up, not TXN_NOT_FOUND")
}

func TestReconcilePreparedTxnsIsNoOpWhenNothingDangling(t *testing.T) {
	r, _ := newTestRegion()
	require.NoError(t, r.ReconcilePreparedTxns())
}
