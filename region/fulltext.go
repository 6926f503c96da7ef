package region

import (
	"context"

	"github.com/dbregion/regioncore/codec"
	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/invindex"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// searchFulltext serves OpFulltextSearch (§4.5) directly against the
// region's local invindex.Engine: one Search call per term, combined by
// And or Or per req.FulltextMatchAll, then materialized into full rows via
// a primary-key point lookup for each surviving posting.
func (r *Region) searchFulltext(ctx context.Context, req *proto.Request, info *proto.RegionInfo) (*proto.Response, error) {
	execTbl := r.table(info)

	var idx proto.IndexInfo
	found := false
	for _, i := range execTbl.Indexes {
		if i.IndexID == proto.IndexID(req.FulltextIndexID) && i.Type == proto.IndexTypeFulltext {
			idx = i
			found = true
			break
		}
	}
	if !found {
		return errResponse(regionerrors.ErrInputParamError, info), nil
	}

	engine := execTbl.FulltextEngines[idx.IndexID]
	if engine == nil {
		return errResponse(regionerrors.ErrInputParamError, info), nil
	}

	lists := make([][]invindex.Posting, 0, len(req.FulltextTerms))
	for _, term := range req.FulltextTerms {
		postings, err := engine.Search(ctx, term)
		if err != nil {
			return errResponse(err, info), nil
		}
		lists = append(lists, postings)
	}

	var postings []invindex.Posting
	if req.FulltextMatchAll {
		postings = invindex.And(lists)
	} else {
		postings = invindex.Or(lists)
	}

	snap := r.store.NewSnapshot()
	defer snap.Close()

	resp := &proto.Response{ErrCode: proto.ErrCodeSuccess, Leader: info.Leader}
	for _, p := range postings {
		pkValues, err := codec.DecodeTupleAll(p.PK)
		if err != nil {
			return errResponse(err, info), nil
		}
		row, ok, err := exec.Get(ctx, r.store, kv.DefaultCF, execTbl, pkValues, snap)
		if err != nil {
			return errResponse(err, info), nil
		}
		if !ok {
			// the row was deleted after this posting was indexed but before
			// the delete's tombstone merged down; skip it rather than
			// surface a stale hit.
			continue
		}
		resp.RowValues = append(resp.RowValues, row)
	}
	return resp, nil
}
