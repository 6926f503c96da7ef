package region

import (
	"context"

	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/scan"
)

// selectRows serves an OpSelect/OpNone request from a pinned snapshot of
// the local KV engine. When SortFields are given, their field ids are
// passed to scan.ChooseIndex as equality fields to pick the index (§4.4);
// otherwise the primary index is scanned. The chosen index's iterator is
// then drained into the response.
func (r *Region) selectRows(ctx context.Context, req *proto.Request, info *proto.RegionInfo) (*proto.Response, error) {
	execTbl := tableOf(info)
	tbl := scan.Table{RegionID: info.ID, Primary: execTbl.Primary, Indexes: execTbl.Indexes}

	plan := scan.Plan{Index: tbl.Primary}
	if len(req.SortFields) > 0 {
		wanted := make(map[uint32]bool, len(req.SortFields))
		for _, sf := range req.SortFields {
			wanted[sf.FieldID] = true
		}
		plan = scan.ChooseIndex(tbl, wanted, nil)
	}
	if len(req.SplitStartKey) > 0 {
		plan.Range.Start = req.SplitStartKey
	}

	snap := r.store.NewSnapshot()
	defer snap.Close()

	it := scan.NewIterator(ctx, r.store, snap, tbl, plan)
	defer it.Close()

	resp := &proto.Response{
		ErrCode: proto.ErrCodeSuccess,
		Leader:  info.Leader,
		ScanIndexes: []proto.ScanIndex{{
			IndexID:  proto.TableID(plan.Index.IndexID),
			KeyOnly:  plan.KeyOnly,
			Backward: plan.Range.Backward,
		}},
	}

	for {
		row, ok, err := it.Next()
		if err != nil {
			return errResponse(err, info), nil
		}
		if !ok {
			break
		}
		resp.RowValues = append(resp.RowValues, row)
	}
	return resp, nil
}
