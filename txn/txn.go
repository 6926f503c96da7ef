// Package txn implements the per-region two-phase-commit transaction
// engine (§4.2): a pool of in-flight transactions keyed by txn_id, each
// caching the original statement behind every applied seq_id so that a
// client-requested partial rollback (need_rollback_seq) can actually undo
// the rolled-back rows instead of only forgetting their cached result.
package txn

import (
	"context"
	"sort"
	"sync"

	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// CachedPlan is the original statement behind one applied seq_id, kept so
// a surviving seq can be replayed into a fresh kv.Txn after a partial
// rollback discards the ones before it.
type CachedPlan struct {
	OpType proto.OpType
	Tuples []proto.Tuple
}

// seqEntry pairs a seq_id's cached result (for idempotent replay) with the
// statement that produced it (for rollback replay).
type seqEntry struct {
	result SeqResult
	plan   CachedPlan
}

// Txn is one multi-statement transaction prepared against a region. It
// wraps a single kv.Txn opened at BEGIN and committed or rolled back as one
// unit at the end of 2PC, regardless of how many DML statements (seq_ids)
// were folded into it along the way.
type Txn struct {
	mu sync.Mutex

	ID       proto.TxnID
	RegionID proto.RegionID

	kvTxn kv.Txn

	// seqs caches, per seq_id, both the result returned on idempotent
	// replay and the statement that produced it, the latter needed to
	// rebuild the transaction's kv.Txn after a partial rollback.
	seqs map[uint64]seqEntry

	LastSeqID       uint64
	NumIncreaseRows int64
	AffectedRows    int64
	ErrCode         proto.ErrCode

	Prepared bool
	// PreparedAtIndex is the raft index the PREPARE phase was applied at.
	// Region.ReconcilePreparedTxns does not read it; it works from the
	// pre_commit meta rows alone (§4.1).
	PreparedAtIndex uint64
}

// SeqResult is the cached effect of one already-applied seq_id, returned
// verbatim on replay instead of re-executing the statement.
type SeqResult struct {
	AffectedRows int64
	ErrCode      proto.ErrCode
}

func New(id proto.TxnID, regionID proto.RegionID, kvTxn kv.Txn) *Txn {
	return &Txn{
		ID:       id,
		RegionID: regionID,
		kvTxn:    kvTxn,
		seqs:     make(map[uint64]seqEntry),
	}
}

// KV exposes the backing transaction to the exec package, which performs
// the actual row reads/writes within it.
func (t *Txn) KV() kv.Txn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kvTxn
}

// Applied reports whether seqID was already applied to this transaction,
// and if so its cached result, implementing the idempotent-replay rule of
// §4.2: a duplicate seq_id is never re-executed.
func (t *Txn) Applied(seqID uint64) (SeqResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.seqs[seqID]
	return e.result, ok
}

// RecordSeq marks seqID as applied with the given result and plan, and
// advances LastSeqID. plan is kept so a later partial rollback that
// discards an earlier seq can replay this one into a fresh kv.Txn.
// NumIncreaseRows tracks the net row count this seq has already
// contributed to the region's num_table_lines (an insert's rows are
// counted into num_table_lines the moment the DML applies, not when the
// transaction eventually commits), so a terminal ROLLBACK knows exactly
// how much to back out.
func (t *Txn) RecordSeq(seqID uint64, affectedRows int64, errCode proto.ErrCode, plan CachedPlan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seqs[seqID] = seqEntry{result: SeqResult{AffectedRows: affectedRows, ErrCode: errCode}, plan: plan}
	if seqID > t.LastSeqID {
		t.LastSeqID = seqID
	}
	t.AffectedRows += affectedRows
	t.NumIncreaseRows += lineDelta(plan)
}

// lineDelta is the num_table_lines change one applied statement causes:
// +1 per inserted row, -1 per deleted row, 0 for an update (it touches an
// existing row, never changing the count).
func lineDelta(plan CachedPlan) int64 {
	switch plan.OpType {
	case proto.OpInsert:
		return int64(len(plan.Tuples))
	case proto.OpDelete:
		return -int64(len(plan.Tuples))
	default:
		return 0
	}
}

// Plans returns every cached statement applied so far, ordered by seq_id
// ascending, for replay onto a child region during a split (§4.7 step 4).
func (t *Txn) Plans() []CachedPlan {
	t.mu.Lock()
	defer t.mu.Unlock()
	seqIDs := make([]uint64, 0, len(t.seqs))
	for seq := range t.seqs {
		seqIDs = append(seqIDs, seq)
	}
	sort.Slice(seqIDs, func(i, j int) bool { return seqIDs[i] < seqIDs[j] })
	plans := make([]CachedPlan, len(seqIDs))
	for i, seq := range seqIDs {
		plans[i] = t.seqs[seq].plan
	}
	return plans
}

// RollbackSeqs undoes the rows named by seqs (a client need_rollback_seq
// list) by discarding their cached plans and re-executing every surviving
// seq, in order, into a fresh kv.Txn: the KV engine has no native
// savepoint/undo primitive, so "rollback to here" means "rebuild from
// here" rather than unwind-in-place. It returns the num_table_lines delta
// the discarded seqs' inserts/deletes must be backed out of the caller's
// running total.
func (t *Txn) RollbackSeqs(ctx context.Context, store kv.Store, tbl exec.Table, seqs []uint64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	discard := make(map[uint64]bool, len(seqs))
	for _, s := range seqs {
		discard[s] = true
	}

	var lineDiff int64
	var surviving []uint64
	for seq, e := range t.seqs {
		if discard[seq] {
			lineDiff -= lineDelta(e.plan)
			continue
		}
		surviving = append(surviving, seq)
	}
	sort.Slice(surviving, func(i, j int) bool { return surviving[i] < surviving[j] })

	fresh := store.Begin(nil)
	var affected int64
	for _, seq := range surviving {
		e := t.seqs[seq]
		if err := replay(ctx, fresh, tbl, e.plan); err != nil {
			fresh.Rollback()
			return 0, err
		}
		affected += e.result.AffectedRows
	}

	old := t.kvTxn
	t.kvTxn = fresh
	old.Rollback()

	newSeqs := make(map[uint64]seqEntry, len(surviving))
	for _, seq := range surviving {
		newSeqs[seq] = t.seqs[seq]
	}
	t.seqs = newSeqs
	t.AffectedRows = affected
	t.NumIncreaseRows += lineDiff

	return lineDiff, nil
}

// replay re-executes one cached statement against kvTxn, used to rebuild
// the surviving tail of a transaction after RollbackSeqs discards its head.
func replay(ctx context.Context, kvTxn kv.Txn, tbl exec.Table, plan CachedPlan) error {
	switch plan.OpType {
	case proto.OpInsert:
		for _, row := range plan.Tuples {
			if err := exec.Insert(ctx, kvTxn, tbl, row); err != nil {
				return err
			}
		}
	case proto.OpDelete:
		for _, row := range plan.Tuples {
			if err := exec.Delete(ctx, kvTxn, tbl, row); err != nil {
				return err
			}
		}
	case proto.OpUpdate:
		for i := 0; i+1 < len(plan.Tuples); i += 2 {
			if err := exec.Update(ctx, kvTxn, tbl, plan.Tuples[i], plan.Tuples[i+1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsPrepared reports whether MarkPrepared has been called, guarded by the
// same mutex as the write so a concurrent reader (e.g. the pool scanning
// for split replay) never observes a torn update.
func (t *Txn) IsPrepared() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Prepared
}

func (t *Txn) MarkPrepared(index uint64) {
	t.mu.Lock()
	t.Prepared = true
	t.PreparedAtIndex = index
	t.mu.Unlock()
}
