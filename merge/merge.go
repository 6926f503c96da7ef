// Package merge implements the leader-side adjacent-region merge
// coordinator (§4.8): two neighboring regions of the same table are
// folded into one by widening the left region's end_key and retiring the
// right region, both via the ADJUSTKEY_AND_ADD_VERSION op proposed
// against each region's own raft group.
package merge

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// Region is the subset of region.Region the merge coordinator drives;
// kept as a narrow interface (rather than importing region directly) the
// same way split.ParentRegion does, to avoid a region<->merge import
// cycle.
type Region interface {
	ID() proto.RegionID
	Info() *proto.RegionInfo
	Query(ctx context.Context, req *proto.Request) (*proto.Response, error)
}

// Coordinator drives one merge attempt between a left (surviving) and
// right (absorbed) region to completion or timeout.
type Coordinator struct {
	store   kv.Store
	timeout time.Duration
}

func NewCoordinator(store kv.Store, timeout time.Duration) *Coordinator {
	return &Coordinator{store: store, timeout: timeout}
}

// Run returns an error unless left.Info().EndKey == right.Info().StartKey;
// it copies every row of right into left re-keyed onto
// left's region id, widens left's end_key, and marks right merged-away.
func (c *Coordinator) Run(ctx context.Context, left, right Region) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	leftInfo := left.Info()
	rightInfo := right.Info()
	if string(leftInfo.EndKey) != string(rightInfo.StartKey) {
		return errors.New("merge: regions are not adjacent")
	}

	if err := c.copyRows(ctx, rightInfo, leftInfo.ID, left); err != nil {
		return errors.Info(err, "copy right region rows into left")
	}

	widened := leftInfo.Clone()
	widened.EndKey = append([]byte(nil), rightInfo.EndKey...)
	resp, err := left.Query(ctx, &proto.Request{
		OpType:        proto.OpAdjustKeyAndAddVersion,
		RegionID:      leftInfo.ID,
		RegionVersion: leftInfo.Version,
		NewRegionInfo: widened,
	})
	if err != nil {
		return errors.Info(err, "widen left region")
	}
	survivor := widened
	if len(resp.Regions) > 0 {
		survivor = resp.Regions[0]
	}

	// start_key == end_key marks the right region merged away (§3); its
	// rows already live under left's id, so its own KV range is simply
	// abandoned rather than explicitly cleared. survivor is attached so a
	// client that still routes here after the merge gets redirected to the
	// region that now owns its key range (§4.8, §8, invariant 5).
	retired := rightInfo.Clone()
	retired.EndKey = append([]byte(nil), retired.StartKey...)
	retired.Status = proto.RegionStatusIdle
	if _, err := right.Query(ctx, &proto.Request{
		OpType:            proto.OpAdjustKeyAndAddVersion,
		RegionID:          rightInfo.ID,
		RegionVersion:     rightInfo.Version,
		NewRegionInfo:     retired,
		RelatedRegionInfo: survivor,
	}); err != nil {
		return errors.Info(err, "retire right region")
	}

	return nil
}

// copyRows streams every row of right (across DefaultCF and ReverseCF, so
// both routing-index rows and inverted-index postings survive the merge)
// re-keyed onto leftID, applied to left in bounded KV_BATCH batches.
func (c *Coordinator) copyRows(ctx context.Context, rightInfo *proto.RegionInfo, leftID proto.RegionID, left Region) error {
	const batchSize = 256

	for _, cf := range []kv.CF{kv.DefaultCF, kv.ReverseCF} {
		prefix := codec.EncodeUint64(rightInfo.ID)
		reader := c.store.List(ctx, cf, prefix, nil, nil)
		for {
			ops := make([]proto.KVOp, 0, batchSize)
			for len(ops) < batchSize {
				key, val, ok := reader.Next()
				if !ok {
					break
				}
				ops = append(ops, proto.KVOp{
					Key:   codec.ReplaceRegionID(key, leftID),
					Value: append([]byte(nil), val.Value()...),
				})
				val.Close()
			}
			if len(ops) == 0 {
				break
			}
			if _, err := left.Query(ctx, &proto.Request{
				OpType:   proto.OpKVBatch,
				RegionID: leftID,
				KVOps:    ops,
			}); err != nil {
				reader.Close()
				return err
			}
			if len(ops) < batchSize {
				break
			}
		}
		reader.Close()
	}
	return nil
}
