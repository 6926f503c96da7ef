// Package region implements the per-region consensus state machine: the
// apply contract, the disable-write/status gates that serialize
// structural operations, and region snapshot save/load.
package region

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/dbregion/regioncore/codec"
	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/invindex"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
	"github.com/dbregion/regioncore/txn"
)

// fulltextMergeWorkers bounds the background worker pool each FULLTEXT
// index's invindex.Engine uses for its L1->L2 merge task.
const fulltextMergeWorkers = 2

// Config tunes the concurrency limiters and staleness bounds of one
// region (§5).
type Config struct {
	NodeID NodeID

	WriteConcurrency uint32
	LockConcurrency  uint32

	// DisableWriteTimeout bounds how long a write RPC waits for the write
	// gate to reopen before returning DISABLE_WRITE_TIMEOUT.
	DisableWriteTimeout time.Duration
	// StructuralDrainTimeout bounds how long a structural op waits for
	// in-flight writes to drain before returning SPLIT_TIMEOUT.
	StructuralDrainTimeout time.Duration
	// MaxFollowerReadLag holds a follower-read staleness bound, in log
	// entries behind the leader's applied index. No code path reads it:
	// queryRead serves a SelectWithoutLeader read at any lag.
	MaxFollowerReadLag uint64

	FinishedTxnCacheSize int
}

type NodeID = proto.NodeID

func DefaultConfig(nodeID NodeID) Config {
	return Config{
		NodeID:                 nodeID,
		WriteConcurrency:       256,
		LockConcurrency:        64,
		DisableWriteTimeout:    10 * time.Second,
		StructuralDrainTimeout: 30 * time.Second,
		MaxFollowerReadLag:     1000,
		FinishedTxnCacheSize:   4096,
	}
}

// Region is one consensus-replicated shard of a table (or index): a
// StateMachine driven by a raftgroup.Group, a 2PC transaction pool, and
// the gates that serialize structural operations against normal traffic.
type Region struct {
	cfg   Config
	store kv.Store

	group raftgroup.Group

	// info is an immutable snapshot (§9 design note): readers take a
	// pointer under infoMu and never mutate through it; apply publishes
	// a freshly cloned RegionInfo after every structural or heartbeat
	// update instead of mutating fields in place.
	infoMu sync.RWMutex
	info   *proto.RegionInfo

	txns *txn.Pool

	writeGate  *writeGate
	statusGate *statusGate

	appliedIndex uint64

	leader uint64

	onRegionChange func(*proto.RegionInfo)

	fulltextMu      sync.Mutex
	fulltextEngines map[proto.IndexID]*invindex.Engine
}

// New constructs a Region around an already-loaded descriptor; the caller
// wires the raftgroup.Group in afterward via SetGroup once the group is
// created with this Region as its StateMachine.
func New(cfg Config, store kv.Store, info *proto.RegionInfo) *Region {
	return &Region{
		cfg:             cfg,
		store:           store,
		info:            info.Clone(),
		txns:            txn.NewPool(cfg.FinishedTxnCacheSize),
		writeGate:       newWriteGate(cfg.WriteConcurrency),
		statusGate:      &statusGate{},
		fulltextEngines: make(map[proto.IndexID]*invindex.Engine),
	}
}

// fulltextEngine returns the persistent invindex.Engine for indexID,
// creating it lazily on first use; the engine's L1 delta must survive
// across Apply calls, so it is cached here rather than rebuilt from each
// call's RegionInfo snapshot.
func (r *Region) fulltextEngine(indexID proto.IndexID) *invindex.Engine {
	r.fulltextMu.Lock()
	defer r.fulltextMu.Unlock()
	e, ok := r.fulltextEngines[indexID]
	if !ok {
		e = invindex.NewEngine(r.store, r.ID(), indexID, fulltextMergeWorkers)
		r.fulltextEngines[indexID] = e
	}
	return e
}

// SetGroup wires the raft group after construction, breaking the
// construction cycle between Region (the StateMachine) and the Group that
// is built from it.
func (r *Region) SetGroup(g raftgroup.Group) { r.group = g }

// OnRegionChange registers a callback invoked with the freshly published
// RegionInfo every time apply mutates it, used by the server package to
// push heartbeat updates without polling.
func (r *Region) OnRegionChange(f func(*proto.RegionInfo)) { r.onRegionChange = f }

func (r *Region) ID() proto.RegionID {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	return r.info.ID
}

// Info returns the current immutable RegionInfo snapshot.
func (r *Region) Info() *proto.RegionInfo {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	return r.info
}

// publish installs a new immutable RegionInfo snapshot, invoked only from
// within Apply (single-threaded per region).
func (r *Region) publish(info *proto.RegionInfo) {
	r.infoMu.Lock()
	r.info = info
	r.infoMu.Unlock()
	if r.onRegionChange != nil {
		r.onRegionChange(info)
	}
}

func (r *Region) AppliedIndex() uint64 {
	return atomic.LoadUint64(&r.appliedIndex)
}

func (r *Region) setAppliedIndex(index uint64) {
	atomic.StoreUint64(&r.appliedIndex, index)
}

func (r *Region) IsLeader() bool {
	return atomic.LoadUint64(&r.leader) == uint64(r.cfg.NodeID)
}

// LeaderChange implements raftgroup.StateMachine: a leadership change does
// not implicitly roll back in-flight transactions (§4.2); it only records
// which node now acts as leader and leaves the txn pool untouched.
func (r *Region) LeaderChange(peerID uint64) error {
	atomic.StoreUint64(&r.leader, peerID)
	return nil
}

// Propose wraps the region's raft group with the region's own request
// encoding, returning the decoded Response the apply path produced.
func (r *Region) Propose(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	span := trace.SpanFromContext(ctx)
	data := codec.EncodeRequest(req)
	resp, err := r.group.Propose(ctx, &raftgroup.ProposalData{
		Op:      uint32(req.OpType),
		TraceID: span.TraceID(),
		Data:    data,
	})
	if err != nil {
		return nil, err
	}
	response, ok := resp.Data.(*proto.Response)
	if !ok {
		return nil, regionerrors.ErrInternalError
	}
	return response, nil
}
