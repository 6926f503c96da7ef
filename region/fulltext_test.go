package region

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
)

func newFulltextTestRegion() (*Region, kv.Store) {
	store := kv.NewMemStore()
	info := &proto.RegionInfo{
		ID:      1,
		TableID: 1,
		Version: 1,
		Indexes: []proto.IndexInfo{
			{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, Fields: []uint32{0}},
			{IndexID: 2, Name: "body_ft", Type: proto.IndexTypeFulltext, Fields: []uint32{1}, State: proto.IndexStatePublic},
		},
	}
	return New(DefaultConfig(1), store, info), store
}

func insertFulltextRow(t *testing.T, r *Region, pk int64, body string) {
	t.Helper()
	req := &proto.Request{
		OpType: proto.OpInsert,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(pk), proto.StringValue(body)}},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpInsert, req)}, uint64(pk))
	require.NoError(t, err)
	resp := rets[0].(*proto.Response)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
}

func TestSearchFulltextFindsInsertedRow(t *testing.T) {
	r, _ := newFulltextTestRegion()
	insertFulltextRow(t, r, 1, "the quick brown fox")
	insertFulltextRow(t, r, 2, "lazy dog sleeps")

	resp, err := r.searchFulltext(context.Background(), &proto.Request{
		FulltextIndexID: 2,
		FulltextTerms:   []string{"fox"},
	}, r.Info())
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
	require.Len(t, resp.RowValues, 1)
	require.Equal(t, int64(1), resp.RowValues[0].Values[0].Int64())
}

func TestSearchFulltextMatchAllIntersectsTerms(t *testing.T) {
	r, _ := newFulltextTestRegion()
	insertFulltextRow(t, r, 1, "quick brown fox")
	insertFulltextRow(t, r, 2, "quick lazy dog")

	resp, err := r.searchFulltext(context.Background(), &proto.Request{
		FulltextIndexID:  2,
		FulltextTerms:    []string{"quick", "fox"},
		FulltextMatchAll: true,
	}, r.Info())
	require.NoError(t, err)
	require.Len(t, resp.RowValues, 1)
	require.Equal(t, int64(1), resp.RowValues[0].Values[0].Int64())

	resp, err = r.searchFulltext(context.Background(), &proto.Request{
		FulltextIndexID: 2,
		FulltextTerms:   []string{"fox", "dog"},
	}, r.Info())
	require.NoError(t, err)
	require.Len(t, resp.RowValues, 2)
}

func TestSearchFulltextAfterDeleteOmitsRow(t *testing.T) {
	r, _ := newFulltextTestRegion()
	insertFulltextRow(t, r, 1, "quick brown fox")

	delReq := &proto.Request{
		OpType: proto.OpDelete,
		Tuples: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1), proto.StringValue("quick brown fox")}},
		},
	}
	rets, err := r.Apply(context.Background(), []raftgroup.ProposalData{proposal(proto.OpDelete, delReq)}, 5)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, rets[0].(*proto.Response).ErrCode)

	resp, err := r.searchFulltext(context.Background(), &proto.Request{
		FulltextIndexID: 2,
		FulltextTerms:   []string{"fox"},
	}, r.Info())
	require.NoError(t, err)
	require.Empty(t, resp.RowValues)
}

func TestQueryDispatchesFulltextSearch(t *testing.T) {
	r, _ := newFulltextTestRegion()
	require.NoError(t, r.LeaderChange(1))
	insertFulltextRow(t, r, 1, "quick brown fox")

	resp, err := r.Query(context.Background(), &proto.Request{
		OpType:          proto.OpFulltextSearch,
		FulltextIndexID: 2,
		FulltextTerms:   []string{"brown"},
	})
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
	require.Len(t, resp.RowValues, 1)
}
