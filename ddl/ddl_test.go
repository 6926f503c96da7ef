package ddl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/region"
)

type fakeRegion struct {
	info  *proto.RegionInfo
	calls []*proto.Request
}

func (f *fakeRegion) ID() proto.RegionID { return f.info.ID }
func (f *fakeRegion) Info() *proto.RegionInfo { return f.info }
func (f *fakeRegion) Query(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	f.calls = append(f.calls, req)
	if req.NewRegionInfo != nil {
		f.info = req.NewRegionInfo
	}
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}, nil
}

func seedRow(t *testing.T, store kv.Store, regionID proto.RegionID, indexID proto.IndexID, pk string, values ...proto.Value) {
	t.Helper()
	key := codec.EncodeIndexKey(regionID, indexID, []byte(pk))
	txn := store.Begin(nil)
	txn.Put(kv.DefaultCF, key, codec.EncodeTuple(values))
	require.NoError(t, txn.Commit(context.Background()))
}

func newTestRegion(store kv.Store) *fakeRegion {
	return &fakeRegion{info: &proto.RegionInfo{
		ID:      1,
		TableID: 1,
		Version: 1,
		Indexes: []proto.IndexInfo{
			{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, State: proto.IndexStatePublic},
		},
	}}
}

func TestCoordinatorAddIndexFullProgression(t *testing.T) {
	store := kv.NewMemStore()
	seedRow(t, store, 1, 1, "a", proto.Int64Value(1))
	seedRow(t, store, 1, 1, "b", proto.Int64Value(2))

	r := newTestRegion(store)
	c := NewCoordinator(store, time.Second)

	newIdx := proto.IndexInfo{IndexID: 2, Name: "idx_val", Type: proto.IndexTypeKey}
	err := c.AddIndex(context.Background(), []Region{r}, newIdx)
	require.NoError(t, err)

	require.Len(t, r.calls, 6)
	require.Equal(t, proto.OpDdlAddIndex, r.calls[0].OpType)
	require.Len(t, r.calls[0].NewRegionInfo.Indexes, 2)
	require.Equal(t, proto.IndexStateNone, r.calls[0].NewRegionInfo.Indexes[1].State)

	require.Equal(t, proto.OpDdlChangeIndexState, r.calls[1].OpType)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(newIdx.IndexID, proto.IndexStateDeleteOnly), r.calls[1].Plan)

	require.Equal(t, proto.OpDdlChangeIndexState, r.calls[2].OpType)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(newIdx.IndexID, proto.IndexStateWriteOnly), r.calls[2].Plan)

	require.Equal(t, proto.OpDdlBackfillIndex, r.calls[3].OpType)
	require.Len(t, r.calls[3].Tuples, 2)

	require.Equal(t, proto.OpDdlChangeIndexState, r.calls[4].OpType)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(newIdx.IndexID, proto.IndexStateWriteLocal), r.calls[4].Plan)

	require.Equal(t, proto.OpDdlChangeIndexState, r.calls[5].OpType)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(newIdx.IndexID, proto.IndexStatePublic), r.calls[5].Plan)
}

func TestCoordinatorDropIndexFullProgression(t *testing.T) {
	store := kv.NewMemStore()
	r := newTestRegion(store)
	c := NewCoordinator(store, time.Second)

	err := c.DropIndex(context.Background(), []Region{r}, proto.IndexID(2))
	require.NoError(t, err)

	require.Len(t, r.calls, 4)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(2, proto.IndexStateWriteLocal), r.calls[0].Plan)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(2, proto.IndexStateDeleteLocal), r.calls[1].Plan)
	require.Equal(t, region.EncodeDdlChangeIndexStatePlan(2, proto.IndexStateNone), r.calls[2].Plan)
	require.Equal(t, proto.OpDdlDropIndex, r.calls[3].OpType)
	require.Equal(t, region.EncodeDdlDropIndexPlan(2), r.calls[3].Plan)
}
