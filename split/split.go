// Package split implements the leader-side split coordinator (§4.7): a
// small explicit-event state machine that provisions a child region,
// backfills it, replays any transaction still prepared against the
// parent, and finally swaps both descriptors in, mid-split or
// tail-split. The disable-write drain ahead of step 1 and the write-gate
// handover after the final phase are not run here: they are the region
// layer's own structural gate (region.Region.queryStructural), entered
// the moment OpStartSplit/OpStartSplitForTail is proposed and released
// once the matching AddVersion/ValidateAndAddVersion lands.
package split

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/txn"
)

// Phase names where a split attempt currently is, for observability and
// for resuming after a coordinator restart (the coordinator itself is not
// replicated; each phase's effect on a region is, so a restart simply
// re-derives the phase from both regions' RegionInfo.Status).
type Phase int

const (
	PhaseProvisionChild Phase = iota
	PhaseBackfill
	PhaseReplayPreparedTxns
	PhaseChildAddVersion
	PhaseParentValidate
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseProvisionChild:
		return "provision_child"
	case PhaseBackfill:
		return "backfill"
	case PhaseReplayPreparedTxns:
		return "replay_prepared_txns"
	case PhaseChildAddVersion:
		return "child_add_version"
	case PhaseParentValidate:
		return "parent_validate"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// ParentRegion is the subset of region.Region the split coordinator
// drives; defined here (rather than importing region directly) to avoid
// a region<->split import cycle, since region's structural apply handlers
// are what actually execute each phase's mutation.
type ParentRegion interface {
	ID() proto.RegionID
	Info() *proto.RegionInfo
	Query(ctx context.Context, req *proto.Request) (*proto.Response, error)
	// PreparedTxns returns every transaction currently PREPAREd (but not
	// yet committed or rolled back) on this region, so the coordinator
	// can replay the ones touching the child's half of the key range
	// onto the child before handing that range over (§4.7 step 4).
	PreparedTxns() []*txn.Txn
}

// ChildFactory provisions a brand-new region (its own raft group, its own
// empty KV rows) for the split's child, returning a ParentRegion-shaped
// handle the coordinator can propose KV_BATCH/ADD_VERSION_FOR_SPLIT_REGION
// requests against.
type ChildFactory func(ctx context.Context, parent *proto.RegionInfo, splitKey []byte, tail bool) (ParentRegion, error)

// Coordinator drives one split attempt to completion or timeout.
type Coordinator struct {
	parent   ParentRegion
	store    kv.Store
	newChild ChildFactory
	timeout  time.Duration

	mu    sync.Mutex
	phase Phase
}

func NewCoordinator(parent ParentRegion, store kv.Store, newChild ChildFactory, timeout time.Duration) *Coordinator {
	return &Coordinator{parent: parent, store: store, newChild: newChild, timeout: timeout}
}

// Phase reports where the running (or last-run) split attempt currently
// is, for the caller's observability.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run executes the full split protocol for a mid-split (splitKey strictly
// between start_key and end_key) or tail-split (splitKey == end_key minus
// a reserved tail range, op_type START_SPLIT_FOR_TAIL) depending on tail.
func (c *Coordinator) Run(ctx context.Context, splitKey []byte, tail bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startOp := proto.OpStartSplit
	if tail {
		startOp = proto.OpStartSplitForTail
	}

	parentInfo := c.parent.Info()
	if _, err := c.parent.Query(ctx, &proto.Request{
		OpType:        startOp,
		RegionID:      parentInfo.ID,
		RegionVersion: parentInfo.Version,
	}); err != nil {
		return errors.Info(err, "start split")
	}

	c.setPhase(PhaseProvisionChild)
	child, err := c.newChild(ctx, parentInfo, splitKey, tail)
	if err != nil {
		return c.abort(ctx, parentInfo, errors.Info(err, "provision child"))
	}

	c.setPhase(PhaseBackfill)
	if err := c.backfill(ctx, parentInfo, child, splitKey); err != nil {
		return c.abort(ctx, parentInfo, errors.Info(err, "backfill"))
	}

	c.setPhase(PhaseReplayPreparedTxns)
	if err := c.replayPreparedTxns(ctx, parentInfo, child, splitKey); err != nil {
		return c.abort(ctx, parentInfo, errors.Info(err, "replay prepared txns"))
	}

	c.setPhase(PhaseChildAddVersion)
	childInfo := parentInfo.Clone()
	childInfo.ID = child.Info().ID
	childInfo.StartKey = append([]byte(nil), splitKey...)
	childInfo.EndKey = append([]byte(nil), parentInfo.EndKey...)

	childResp, err := child.Query(ctx, &proto.Request{
		OpType:        proto.OpAddVersionForSplitRegion,
		RegionID:      childInfo.ID,
		NewRegionInfo: childInfo,
	})
	if err != nil {
		return c.abort(ctx, parentInfo, errors.Info(err, "child add version"))
	}
	finalChildInfo := childInfo
	if len(childResp.Regions) > 0 {
		finalChildInfo = childResp.Regions[0]
	}

	c.setPhase(PhaseParentValidate)
	if _, err := c.parent.Query(ctx, &proto.Request{
		OpType:            proto.OpValidateAndAddVersion,
		RegionID:          parentInfo.ID,
		RegionVersion:     parentInfo.Version,
		SplitStartKey:     splitKey,
		RelatedRegionInfo: finalChildInfo,
	}); err != nil {
		return errors.Info(err, "parent validate and add version")
	}
	c.setPhase(PhaseDone)

	return nil
}

// backfill copies every row of [splitKey, parentInfo.EndKey) from the
// parent into the child, re-keyed onto the child's region id, in batches
// (§4.7 step 3).
func (c *Coordinator) backfill(ctx context.Context, parentInfo *proto.RegionInfo, child ParentRegion, splitKey []byte) error {
	const batchSize = 256

	prefix := codec.EncodeUint64(parentInfo.ID)
	reader := c.store.List(ctx, kv.DefaultCF, prefix, append(append([]byte(nil), prefix...), splitKey...), nil)
	defer reader.Close()

	childID := child.Info().ID
	for {
		ops := make([]proto.KVOp, 0, batchSize)
		for len(ops) < batchSize {
			key, val, ok := reader.Next()
			if !ok {
				break
			}
			newKey := codec.ReplaceRegionID(key, childID)
			ops = append(ops, proto.KVOp{Key: newKey, Value: append([]byte(nil), val.Value()...)})
			val.Close()
		}
		if len(ops) == 0 {
			return nil
		}
		if _, err := child.Query(ctx, &proto.Request{
			OpType:   proto.OpKVBatchSplit,
			RegionID: childID,
			KVOps:    ops,
		}); err != nil {
			return err
		}
		if len(ops) < batchSize {
			return nil
		}
	}
}

// replayPreparedTxns re-proposes, against the freshly provisioned child,
// every cached statement of a transaction PREPAREd on the parent whose
// rows fall within [splitKey, end) (§4.7 step 4): without this, a 2PC
// transaction straddling the split boundary would have its buffered
// writes silently discarded the moment the parent hands that key range
// off, since the parent's own copy of those rows moves to the child while
// the transaction itself stays tied to the parent's now-stale kv.Txn.
//
// The replayed transaction is left PREPAREd on the child, mirroring its
// state on the parent; the client's own COMMIT/ROLLBACK retry (which
// already has to tolerate a region-moved redirect) finishes it there.
func (c *Coordinator) replayPreparedTxns(ctx context.Context, parentInfo *proto.RegionInfo, child ParentRegion, splitKey []byte) error {
	primary := primaryIndex(parentInfo)
	childInfo := child.Info()

	for _, t := range c.parent.PreparedTxns() {
		var childPlans []txn.CachedPlan
		for _, plan := range t.Plans() {
			var rows []proto.Tuple
			for _, row := range plan.Tuples {
				if bytes.Compare(primaryKeyOf(primary, row), splitKey) >= 0 {
					rows = append(rows, row)
				}
			}
			if len(rows) > 0 {
				childPlans = append(childPlans, txn.CachedPlan{OpType: plan.OpType, Tuples: rows})
			}
		}
		if len(childPlans) == 0 {
			continue
		}

		if _, err := child.Query(ctx, &proto.Request{
			OpType:   proto.OpBegin,
			RegionID: childInfo.ID,
			TxnInfos: []proto.TxnInfo{{TxnID: t.ID}},
		}); err != nil {
			return err
		}
		var lastSeq uint64
		for i, plan := range childPlans {
			lastSeq = uint64(i + 1)
			if _, err := child.Query(ctx, &proto.Request{
				OpType:   plan.OpType,
				RegionID: childInfo.ID,
				Tuples:   plan.Tuples,
				TxnInfos: []proto.TxnInfo{{TxnID: t.ID, LastSeqID: lastSeq}},
			}); err != nil {
				return err
			}
		}
		if _, err := child.Query(ctx, &proto.Request{
			OpType:   proto.OpPrepare,
			RegionID: childInfo.ID,
			TxnInfos: []proto.TxnInfo{{TxnID: t.ID, LastSeqID: lastSeq}},
		}); err != nil {
			return err
		}
	}
	return nil
}

func primaryIndex(info *proto.RegionInfo) proto.IndexInfo {
	for _, idx := range info.Indexes {
		if idx.Type == proto.IndexTypePrimary {
			return idx
		}
	}
	return proto.IndexInfo{}
}

// primaryKeyOf encodes row's primary-key fields the same order-preserving
// way exec does, so the result can be compared byte-wise against splitKey
// (itself an encoded primary-key prefix) to decide which side of the
// split a prepared row falls on.
func primaryKeyOf(primary proto.IndexInfo, row proto.Tuple) []byte {
	values := make([]proto.Value, 0, len(primary.Fields))
	for _, f := range primary.Fields {
		if int(f) < len(row.Values) {
			values = append(values, row.Values[f])
		}
	}
	return codec.EncodeTuple(values)
}

// abort proposes OpValidateAndAddVersion to the parent carrying its own
// pre-split descriptor, which restores its status to IDLE with end_key
// unchanged; like every ValidateAndAddVersion apply, it also bumps the
// parent's version. The child's rows never became reachable from the
// routing table.
func (c *Coordinator) abort(ctx context.Context, parentInfo *proto.RegionInfo, cause error) error {
	_, _ = c.parent.Query(ctx, &proto.Request{
		OpType:        proto.OpValidateAndAddVersion,
		RegionID:      parentInfo.ID,
		RegionVersion: parentInfo.Version,
		NewRegionInfo: parentInfo,
	})
	return cause
}
