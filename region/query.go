package region

import (
	"context"

	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/proto"
)

// Query is the region RPC entry point (§6): it enforces leader-only
// writes, the VERSION_OLD redirect, the disable-write gate, and the
// structural status gate, then proposes through consensus or serves
// directly from the local snapshot for a stale-tolerant read.
func (r *Region) Query(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	info := r.Info()

	if req.RegionVersion != 0 && req.RegionVersion < info.Version {
		return errResponse(regionerrors.ErrVersionOld, info), nil
	}
	if info.Merged() {
		return errResponse(regionerrors.ErrVersionOld, info), nil
	}

	if !req.OpType.IsWrite() {
		return r.queryRead(ctx, req, info)
	}

	if req.OpType.IsStructural() {
		return r.queryStructural(ctx, req)
	}

	if !r.IsLeader() {
		return errResponse(regionerrors.ErrNotLeader, info), nil
	}

	if err := r.writeGate.Enter(ctx); err != nil {
		return errResponse(err, info), nil
	}
	defer r.writeGate.Leave()

	return r.Propose(ctx, req)
}

// queryRead serves OpSelect/OpNone/OpFulltextSearch directly against the
// local KV engine instead of proposing through consensus. A follower serves
// the read only when SelectWithoutLeader is set, and then without checking
// how far its applied_index trails the leader's: Config.MaxFollowerReadLag
// is not consulted.
func (r *Region) queryRead(ctx context.Context, req *proto.Request, info *proto.RegionInfo) (*proto.Response, error) {
	if !r.IsLeader() && !req.SelectWithoutLeader {
		return errResponse(regionerrors.ErrNotLeader, info), nil
	}
	if req.OpType == proto.OpFulltextSearch {
		return r.searchFulltext(ctx, req, info)
	}
	return r.selectRows(ctx, req, info)
}

// queryStructural proposes split/merge/DDL/membership operations from the
// leader. Only OpStartSplit/OpStartSplitForTail take the per-region
// IDLE/DOING gate (§5) and, once it is acquired, close and drain the write
// gate so no in-flight DML straddles the boundary; the other structural
// ops do not take the gate. The final split/merge phases, and any proposal
// that returns an error, reopen the write gate and release the status gate.
func (r *Region) queryStructural(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	info := r.Info()
	if !r.IsLeader() {
		return errResponse(regionerrors.ErrNotLeader, info), nil
	}

	isFinalPhase := req.OpType == proto.OpValidateAndAddVersion ||
		req.OpType == proto.OpAddVersionForSplitRegion ||
		req.OpType == proto.OpAdjustKeyAndAddVersion

	if req.OpType == proto.OpStartSplit || req.OpType == proto.OpStartSplitForTail {
		if !r.statusGate.TryAcquire(req.OpType.String()) {
			return errResponse(regionerrors.ErrRegionBusy, info), nil
		}
		r.writeGate.Disable()
		if err := r.writeGate.DrainInflight(r.cfg.StructuralDrainTimeout); err != nil {
			r.writeGate.Enable()
			r.statusGate.Release()
			return errResponse(err, info), nil
		}
	}

	resp, err := r.Propose(ctx, req)

	if isFinalPhase || err != nil {
		r.writeGate.Enable()
		r.statusGate.Release()
	}
	return resp, err
}
