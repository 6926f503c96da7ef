package region

import (
	"context"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/txn"
)

// PreparedTxns returns every transaction currently PREPAREd (but not yet
// committed or rolled back) against this region, letting a split
// coordinator (split.ParentRegion) replay the ones touching the child's
// half of the key range onto the child before the key range hands over
// (§4.7 step 4).
func (r *Region) PreparedTxns() []*txn.Txn {
	return r.txns.Prepared()
}

// ReconcilePreparedTxns scans every pre_commit sentinel left in kv.MetaCF
// for this region and finalizes any transaction that is not already
// active in r.txns. A sentinel with no matching in-memory Txn means the
// process restarted (or a snapshot installed a fresh state) between that
// transaction's PREPARE and its COMMIT or ROLLBACK: the buffered writes
// lived only in that transaction's own kv.Txn, which died with the old
// process, so they cannot be finished. The eventual COMMIT/ROLLBACK retry
// is answered with TxnFollowUp (Retryable, telling the client to resubmit
// the whole transaction) instead of TXN_NOT_FOUND, and the sentinel is
// removed so a second call is a no-op.
//
// Replaying the prepared writes instead of giving up would require the
// per-seq CachedPlan itself to be durable as of PREPARE, not merely held
// in the in-memory Txn; today only the post-prepare num_table_lines and
// applied_index survive past a restart. Call this once, right after
// loading or installing a region's state, before the region starts
// accepting new Apply batches.
func (r *Region) ReconcilePreparedTxns() error {
	ctx := context.Background()
	info := r.Info()
	prefix := codec.PreCommitPrefix(info.ID)

	reader := r.store.List(ctx, kv.MetaCF, prefix, nil, nil)
	var dangling []proto.TxnID
	for {
		key, val, ok := reader.Next()
		if !ok {
			break
		}
		val.Close()
		txnID := codec.DecodePreCommitTxnID(key)
		if _, active := r.txns.Get(txnID); active {
			continue
		}
		dangling = append(dangling, txnID)
	}
	reader.Close()

	if len(dangling) == 0 {
		return nil
	}

	kvTxn := r.store.Begin(nil)
	for _, txnID := range dangling {
		kvTxn.Delete(kv.MetaCF, codec.PreCommitKey(info.ID, txnID))
		r.txns.Finish(txnID, proto.ErrCodeTxnFollowUp, 0)
	}
	return kvTxn.Commit(ctx)
}
