package region

import (
	"encoding/binary"

	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/proto"
)

// applyStartSplit marks the region DOING so every subsequent heartbeat and
// VERSION_OLD response tells clients a structural operation is underway,
// ahead of the child's provisioning and backfill happening outside
// consensus (§4.7 steps 1-3 run against the child's own freshly-created
// region, not through this region's apply path).
func (r *Region) applyStartSplit(ac *applyCtx, req *proto.Request) *proto.Response {
	newInfo := ac.info.Clone()
	newInfo.Status = proto.RegionStatusDoing
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// applyValidateAndAddVersion is the parent-side final split phase: it
// narrows the parent's end_key to the split point, bumps version, and
// clears the status gate (§4.7 step 6). req.RelatedRegionInfo, when set,
// carries the new child's descriptor so a later VERSION_OLD response
// against the narrowed parent can still redirect a client whose key now
// falls past end_key to the child that now owns it (§4.8, §8, S4).
func (r *Region) applyValidateAndAddVersion(ac *applyCtx, req *proto.Request) *proto.Response {
	newInfo := ac.info.Clone()
	if req.NewRegionInfo != nil {
		newInfo.EndKey = append([]byte(nil), req.NewRegionInfo.EndKey...)
	} else if len(req.SplitStartKey) > 0 {
		newInfo.EndKey = append([]byte(nil), req.SplitStartKey...)
	} else {
		return errResponse(regionerrors.ErrNoSplitKey, ac.info)
	}
	newInfo.Version++
	newInfo.Status = proto.RegionStatusIdle
	if req.RelatedRegionInfo != nil {
		newInfo.RelatedRegions = []proto.RegionInfo{*req.RelatedRegionInfo.Clone()}
	}
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// applyAddVersionForSplitRegion is the child-side final split phase: the
// child (already backfilled out of band) adopts the descriptor the split
// coordinator computed for it and clears its own status gate.
func (r *Region) applyAddVersionForSplitRegion(ac *applyCtx, req *proto.Request) *proto.Response {
	if req.NewRegionInfo == nil {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	newInfo := req.NewRegionInfo.Clone()
	newInfo.Version++
	newInfo.Status = proto.RegionStatusIdle
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// applyAdjustKeyAndAddVersion implements the merge apply (§4.8): the
// surviving left region widens its end_key to the absorbed right region's
// end_key, and the absorbed region (applying this same op against its own
// state machine) collapses start_key == end_key, the merged-away
// sentinel (RegionInfo.Merged()). req.RelatedRegionInfo, when set, carries
// the surviving sibling's descriptor so that once this region is
// merged-away, a client that still routes here gets redirected to the
// region that now owns its key range instead of a zero-width VERSION_OLD
// descriptor that covers nothing (§4.8, §8, invariant 5).
func (r *Region) applyAdjustKeyAndAddVersion(ac *applyCtx, req *proto.Request) *proto.Response {
	if req.NewRegionInfo == nil {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	newInfo := req.NewRegionInfo.Clone()
	newInfo.Version++
	newInfo.Status = proto.RegionStatusIdle
	if req.RelatedRegionInfo != nil {
		newInfo.RelatedRegions = []proto.RegionInfo{*req.RelatedRegionInfo.Clone()}
	}
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// applyDdlChangeIndexState advances one index's DDL state in place
// (§4.6); req.Plan carries index_id (8B BE) || new_state (8B BE).
func (r *Region) applyDdlChangeIndexState(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.Plan) != 16 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	indexID := proto.IndexID(binary.BigEndian.Uint64(req.Plan[:8]))
	newState := proto.IndexState(binary.BigEndian.Uint64(req.Plan[8:]))

	newInfo := ac.info.Clone()
	found := false
	for i := range newInfo.Indexes {
		if newInfo.Indexes[i].IndexID == indexID {
			newInfo.Indexes[i].State = newState
			found = true
			break
		}
	}
	if !found {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// EncodeDdlChangeIndexStatePlan builds the Plan payload applyDdlChangeIndexState decodes.
func EncodeDdlChangeIndexStatePlan(indexID proto.IndexID, state proto.IndexState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], indexID)
	binary.BigEndian.PutUint64(b[8:], uint64(state))
	return b
}

// applyDdlAddIndex registers a new secondary index in IndexStateNone,
// the entry point of the §4.6 add-index progression; the ddl coordinator
// computes the full post-add Indexes slice so this region never has to
// guess at index ids.
func (r *Region) applyDdlAddIndex(ac *applyCtx, req *proto.Request) *proto.Response {
	if req.NewRegionInfo == nil {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	newInfo := ac.info.Clone()
	newInfo.Indexes = append([]proto.IndexInfo(nil), req.NewRegionInfo.Indexes...)
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// applyDdlDropIndex removes a secondary index's descriptor once its drop
// progression has reached IndexStateNone; req.Plan is the index's 8B BE id.
func (r *Region) applyDdlDropIndex(ac *applyCtx, req *proto.Request) *proto.Response {
	if len(req.Plan) != 8 {
		return errResponse(regionerrors.ErrInputParamError, ac.info)
	}
	indexID := proto.IndexID(binary.BigEndian.Uint64(req.Plan))

	newInfo := ac.info.Clone()
	kept := newInfo.Indexes[:0]
	for _, idx := range newInfo.Indexes {
		if idx.IndexID == indexID {
			continue
		}
		kept = append(kept, idx)
	}
	newInfo.Indexes = kept
	ac.info = newInfo
	return &proto.Response{ErrCode: proto.ErrCodeSuccess, Regions: []*proto.RegionInfo{newInfo}}
}

// EncodeDdlDropIndexPlan builds the Plan payload applyDdlDropIndex decodes.
func EncodeDdlDropIndexPlan(indexID proto.IndexID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, indexID)
	return b
}

// EncodeDdlBackfillIndexPlan builds the Plan payload applyDdlBackfillIndex
// decodes; same 8B BE index id layout as EncodeDdlDropIndexPlan, named
// separately since the two ops address unrelated phases of the DDL
// progression.
func EncodeDdlBackfillIndexPlan(indexID proto.IndexID) []byte {
	return EncodeDdlDropIndexPlan(indexID)
}
