package region

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/dbregion/regioncore/codec"
	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
	"github.com/dbregion/regioncore/txn"
)

// applyCtx threads the KV transaction and running counters shared by every
// request folded into one Apply batch (§4.1: data mutation and
// applied_index/num_table_lines advance together in a single commit).
type applyCtx struct {
	ctx      context.Context
	kvTxn    kv.Txn
	info     *proto.RegionInfo
	index    uint64
	lineDiff int64
}

// applyOne dispatches a single decoded Request to its op handler and
// returns the Response to echo back to the proposer.
func (r *Region) applyOne(ac *applyCtx, req *proto.Request) *proto.Response {
	if req.RegionVersion != 0 && req.RegionVersion < ac.info.Version {
		return errResponse(regionerrors.ErrVersionOld, ac.info)
	}

	switch req.OpType {
	case proto.OpBegin:
		return r.applyBegin(ac, req)
	case proto.OpInsert, proto.OpUpdate, proto.OpDelete:
		return r.applyDML(ac, req)
	case proto.OpPrepare, proto.OpPrepareV2:
		return r.applyPrepare(ac, req)
	case proto.OpCommit:
		return r.applyCommit(ac, req)
	case proto.OpRollback:
		return r.applyRollback(ac, req)
	case proto.OpKVBatch, proto.OpKVBatchSplit:
		return r.applyKVBatch(ac, req)
	case proto.OpTruncateTable:
		return r.applyTruncateTable(ac, req)
	case proto.OpStartSplit, proto.OpStartSplitForTail:
		return r.applyStartSplit(ac, req)
	case proto.OpValidateAndAddVersion:
		return r.applyValidateAndAddVersion(ac, req)
	case proto.OpAddVersionForSplitRegion:
		return r.applyAddVersionForSplitRegion(ac, req)
	case proto.OpAdjustKeyAndAddVersion:
		return r.applyAdjustKeyAndAddVersion(ac, req)
	case proto.OpAddPeer:
		return &proto.Response{ErrCode: proto.ErrCodeSuccess}
	case proto.OpDdlChangeIndexState:
		return r.applyDdlChangeIndexState(ac, req)
	case proto.OpDdlAddIndex:
		return r.applyDdlAddIndex(ac, req)
	case proto.OpDdlDropIndex:
		return r.applyDdlDropIndex(ac, req)
	case proto.OpDdlBackfillIndex:
		return r.applyDdlBackfillIndex(ac, req)
	default:
		return errResponse(regionerrors.ErrUnsupportReqType, ac.info)
	}
}

// Apply implements raftgroup.StateMachine. It runs every proposal in the
// batch inside one KV transaction and commits the data mutations together
// with the advanced applied_index and num_table_lines (§4.1 apply
// contract); entries already covered by a higher AppliedIndex (e.g. after
// a restart that replays a tail of the log preceding an installed
// snapshot) are discarded as a whole batch rather than individually, since
// the raft driver only hands Apply the batch's final index.
func (r *Region) Apply(ctx context.Context, ms []raftgroup.ProposalData, index uint64) ([]interface{}, error) {
	if index <= r.AppliedIndex() {
		rets := make([]interface{}, len(ms))
		for i := range rets {
			rets[i] = &proto.Response{ErrCode: proto.ErrCodeSuccess}
		}
		return rets, nil
	}

	kvTxn := r.store.Begin(nil)
	info := r.Info()
	ac := &applyCtx{ctx: ctx, kvTxn: kvTxn, info: info, index: index}

	rets := make([]interface{}, 0, len(ms))
	for i := range ms {
		req, err := codec.DecodeRequest(ms[i].Data)
		if err != nil {
			kvTxn.Rollback()
			return nil, errors.Info(err, "decode proposed request failed")
		}
		rets = append(rets, r.applyOne(ac, req))
	}

	newInfo := ac.info
	if ac.lineDiff != 0 {
		newInfo = ac.info.Clone()
		newInfo.NumTableLines += ac.lineDiff
	}

	kvTxn.Put(kv.MetaCF, codec.AppliedIndexKey(info.ID), codec.EncodeUint64(index))
	kvTxn.Put(kv.MetaCF, codec.NumTableLinesKey(info.ID), codec.EncodeInt64(newInfo.NumTableLines))
	kvTxn.Put(kv.MetaCF, codec.RegionInfoKey(info.ID), codec.EncodeRegionInfo(newInfo))

	if err := kvTxn.Commit(ctx); err != nil {
		return nil, errors.Info(err, "commit apply batch failed")
	}

	r.setAppliedIndex(index)
	r.publish(newInfo)

	return rets, nil
}

func (r *Region) applyBegin(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.TxnInfos) == 0 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	txnID := req.TxnInfos[0].TxnID
	if _, ok := r.txns.Get(txnID); ok {
		return &proto.Response{ErrCode: proto.ErrCodeSuccess}
	}
	// A 2PC transaction outlives the single apply batch that opens it, so
	// it gets its own long-lived kv.Txn rather than sharing the batch's
	// ac.kvTxn, which commits (with applied_index/num_table_lines) at the
	// end of every Apply call regardless of transaction boundaries.
	r.txns.Begin(txnID, ac.info.ID, r.store.Begin(nil))
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}
}

// applyDML executes an autocommit (1PC) statement directly against the
// apply batch's shared kvTxn, or against an open 2PC transaction's own
// kvTxn when TxnInfos names one.
func (r *Region) applyDML(ac *applyCtx, req *proto.Request) *proto.Response {
	tbl := r.table(ac.info)
	txnKV := ac.kvTxn
	var t *txnHandle

	if len(req.TxnInfos) > 0 {
		ti := req.TxnInfos[0]
		active, ok := r.txns.Get(ti.TxnID)
		if !ok {
			if code, affected, done := r.txns.Finished(ti.TxnID); done {
				return &proto.Response{ErrCode: code, AffectedRows: affected}
			}
			return errResponse(regionerrors.ErrTxnNotFound, ac.info)
		}
		if res, seen := active.Applied(ti.LastSeqID); seen {
			return &proto.Response{ErrCode: res.ErrCode, AffectedRows: res.AffectedRows}
		}
		if len(ti.NeedRollbackSeqs) > 0 {
			diff, err := active.RollbackSeqs(ac.ctx, r.store, tbl, ti.NeedRollbackSeqs)
			if err != nil {
				return errResponse(err, ac.info)
			}
			ac.lineDiff += diff
		}
		t = &txnHandle{active: active}
		txnKV = active.KV()
	}

	var affected int64
	var err error
	switch req.OpType {
	case proto.OpInsert:
		for _, row := range req.Tuples {
			if e := exec.Insert(ac.ctx, txnKV, tbl, row); e != nil {
				err = e
				break
			}
			affected++
		}
	case proto.OpDelete:
		for _, row := range req.Tuples {
			if e := exec.Delete(ac.ctx, txnKV, tbl, row); e != nil {
				err = e
				break
			}
			affected++
		}
	case proto.OpUpdate:
		for i := 0; i+1 < len(req.Tuples); i += 2 {
			if e := exec.Update(ac.ctx, txnKV, tbl, req.Tuples[i], req.Tuples[i+1]); e != nil {
				err = e
				break
			}
			affected++
		}
	}

	errCode := proto.ErrCodeSuccess
	mysqlCode := int32(0)
	if err != nil {
		errCode = regionerrors.Code(err)
		mysqlCode = regionerrors.MysqlCode(err)
	} else if req.OpType == proto.OpInsert {
		ac.lineDiff += affected
	} else if req.OpType == proto.OpDelete {
		ac.lineDiff -= affected
	}

	if t != nil && len(req.TxnInfos) > 0 {
		t.active.RecordSeq(req.TxnInfos[0].LastSeqID, affected, errCode, txn.CachedPlan{OpType: req.OpType, Tuples: req.Tuples})
	}

	return &proto.Response{ErrCode: errCode, MysqlErrCode: mysqlCode, AffectedRows: affected}
}

type txnHandle struct {
	active *txn.Txn
}

// applyPrepare honors a client-driven partial rollback folded into the
// final phase instead of a dedicated round trip (NeedRollbackSeqs, e.g.
// issued when a statement mid-transaction failed and the client wants to
// commit only the statements before it), then persists the pre_commit
// sentinel (post-prepare num_table_lines and applied_index) so a restart
// between PREPARE and COMMIT can reconcile instead of losing the
// transaction (§4.1, §4.2).
func (r *Region) applyPrepare(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.TxnInfos) == 0 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	ti := req.TxnInfos[0]
	active, ok := r.txns.Get(ti.TxnID)
	if !ok {
		return errResponse(regionerrors.ErrTxnNotFound, ac.info)
	}
	if len(ti.NeedRollbackSeqs) > 0 {
		diff, err := active.RollbackSeqs(ac.ctx, r.store, r.table(ac.info), ti.NeedRollbackSeqs)
		if err != nil {
			return errResponse(err, ac.info)
		}
		ac.lineDiff += diff
	}
	active.MarkPrepared(0)
	ac.kvTxn.Put(kv.MetaCF, codec.PreCommitKey(ac.info.ID, ti.TxnID),
		codec.EncodePreCommitValue(codec.PreCommitValue{
			PostNumTableLines: ac.info.NumTableLines + ac.lineDiff,
			AppliedIndex:      ac.index,
		}))
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}
}

func (r *Region) applyCommit(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.TxnInfos) == 0 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	ti := req.TxnInfos[0]
	active, ok := r.txns.Get(ti.TxnID)
	if !ok {
		if code, affected, done := r.txns.Finished(ti.TxnID); done {
			return &proto.Response{ErrCode: code, AffectedRows: affected}
		}
		return errResponse(regionerrors.ErrTxnNotFound, ac.info)
	}
	if err := active.KV().Commit(ac.ctx); err != nil {
		return errResponse(err, ac.info)
	}
	ac.kvTxn.Delete(kv.MetaCF, codec.PreCommitKey(ac.info.ID, ti.TxnID))
	r.txns.Finish(ti.TxnID, proto.ErrCodeSuccess, active.AffectedRows)
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, AffectedRows: active.AffectedRows}
}

// applyRollback undoes an entire 2PC transaction. Every DML statement
// folded into it already advanced ac.lineDiff (and therefore
// num_table_lines) at the batch it applied in, since an insert's rows
// must be visible to a concurrent scan of the same key range before the
// transaction's own fate is known (§4.1). A terminal ROLLBACK discards
// the buffered kv.Txn outright, so those already-counted rows must be
// backed out here or num_table_lines drifts upward forever; active's
// NumIncreaseRows is exactly the net row count still unaccounted for
// (partial rollbacks along the way already adjusted it).
func (r *Region) applyRollback(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.TxnInfos) == 0 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	ti := req.TxnInfos[0]
	active, ok := r.txns.Get(ti.TxnID)
	if !ok {
		if code, affected, done := r.txns.Finished(ti.TxnID); done {
			return &proto.Response{ErrCode: code, AffectedRows: affected}
		}
		return &proto.Response{ErrCode: proto.ErrCodeSuccess}
	}
	active.KV().Rollback()
	ac.lineDiff -= active.NumIncreaseRows
	ac.kvTxn.Delete(kv.MetaCF, codec.PreCommitKey(ac.info.ID, ti.TxnID))
	r.txns.Finish(ti.TxnID, proto.ErrCodeSuccess, 0)
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}
}

// applyKVBatch writes raw KV ops directly, used by split/merge backfill
// where rows are copied between regions without going through exec's
// schema-aware path (§4.7 step 3).
func (r *Region) applyKVBatch(ac *applyCtx, req *proto.Request) *proto.Response {
	for _, op := range req.KVOps {
		if op.Delete {
			ac.kvTxn.Delete(kv.DefaultCF, op.Key)
			ac.lineDiff--
		} else {
			ac.kvTxn.Put(kv.DefaultCF, op.Key, op.Value)
			ac.lineDiff++
		}
	}
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, AffectedRows: int64(len(req.KVOps))}
}

// applyDdlBackfillIndex populates one secondary index's entries for a
// batch of rows the coordinator already confirmed exist, without
// re-touching the primary index (§4.6 WRITE_ONLY backfill pass).
func (r *Region) applyDdlBackfillIndex(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.Plan) != 8 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	indexID := proto.IndexID(binary.BigEndian.Uint64(req.Plan))
	tbl := r.table(ac.info)

	var idx proto.IndexInfo
	found := false
	for _, i := range tbl.Indexes {
		if i.IndexID == indexID {
			idx = i
			found = true
			break
		}
	}
	if !found {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}

	var affected int64
	for _, row := range req.Tuples {
		if err := exec.IndexRow(ac.ctx, ac.kvTxn, tbl, idx, row); err != nil {
			return errResponse(err, ac.info)
		}
		affected++
	}
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, AffectedRows: affected}
}

func (r *Region) applyTruncateTable(ac *applyCtx, req *proto.Request) *proto.Response {
	tbl := tableOf(ac.info)
	prefix := codec.EncodeIndexKeyPrefix(ac.info.ID, tbl.Primary.IndexID)
	ac.kvTxn.DeleteRange(kv.DefaultCF, prefix, prefixUpperBound(prefix))
	for _, idx := range tbl.Indexes {
		p := codec.EncodeIndexKeyPrefix(ac.info.ID, idx.IndexID)
		ac.kvTxn.DeleteRange(kv.DefaultCF, p, prefixUpperBound(p))
		if idx.Type == proto.IndexTypeFulltext {
			// FULLTEXT postings live in kv.ReverseCF (L2/L3) plus the
			// engine's in-memory L1 delta, neither of which the DefaultCF
			// DeleteRange above touches.
			ac.kvTxn.DeleteRange(kv.ReverseCF, p, prefixUpperBound(p))
			r.fulltextEngine(idx.IndexID).Reset()
		}
	}
	ac.lineDiff -= ac.info.NumTableLines
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// errResponse attaches info plus any RelatedRegions it carries: a region
// merged away or narrowed by a split has a descriptor that no longer covers
// the client's key, but its surviving sibling or new child does (§4.8, §8,
// invariant 5 — a VERSION_OLD response must carry at least one descriptor
// covering some key in the client's intended range).
func errResponse(err error, info *proto.RegionInfo) *proto.Response {
	regions := make([]*proto.RegionInfo, 0, 1+len(info.RelatedRegions))
	regions = append(regions, info)
	for i := range info.RelatedRegions {
		regions = append(regions, &info.RelatedRegions[i])
	}
	return &proto.Response{
		ErrCode:      regionerrors.Code(err),
		MysqlErrCode: regionerrors.MysqlCode(err),
		ErrMsg:       err.Error(),
		Leader:       info.Leader,
		Regions:      regions,
	}
}
