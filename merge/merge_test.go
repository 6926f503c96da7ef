package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

type fakeRegion struct {
	info  *proto.RegionInfo
	calls []*proto.Request
}

func (f *fakeRegion) ID() proto.RegionID          { return f.info.ID }
func (f *fakeRegion) Info() *proto.RegionInfo      { return f.info }
func (f *fakeRegion) Query(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	f.calls = append(f.calls, req)
	return &proto.Response{ErrCode: proto.ErrCodeSuccess}, nil
}

func seedRows(t *testing.T, store kv.Store, cf kv.CF, regionID proto.RegionID, keys ...string) {
	t.Helper()
	txn := store.Begin(nil)
	prefix := codec.EncodeUint64(regionID)
	for _, k := range keys {
		txn.Put(cf, append(append([]byte(nil), prefix...), []byte(k)...), []byte("v-"+k))
	}
	require.NoError(t, txn.Commit(context.Background()))
}

func TestCoordinatorRunMergesAdjacentRegions(t *testing.T) {
	store := kv.NewMemStore()
	seedRows(t, store, kv.DefaultCF, 2, "p", "q")
	seedRows(t, store, kv.ReverseCF, 2, "term1")

	left := &fakeRegion{info: &proto.RegionInfo{ID: 1, StartKey: []byte("a"), EndKey: []byte("m"), Version: 1}}
	right := &fakeRegion{info: &proto.RegionInfo{ID: 2, StartKey: []byte("m"), EndKey: []byte("z"), Version: 1}}

	c := NewCoordinator(store, 0)
	err := c.Run(context.Background(), left, right)
	require.NoError(t, err)

	require.Len(t, left.calls, 3)
	require.Equal(t, proto.OpKVBatch, left.calls[0].OpType)
	require.Len(t, left.calls[0].KVOps, 2)
	require.Equal(t, proto.OpKVBatch, left.calls[1].OpType)
	require.Len(t, left.calls[1].KVOps, 1)
	require.Equal(t, proto.OpAdjustKeyAndAddVersion, left.calls[2].OpType)
	require.Equal(t, []byte("z"), left.calls[2].NewRegionInfo.EndKey)

	require.Len(t, right.calls, 1)
	require.Equal(t, proto.OpAdjustKeyAndAddVersion, right.calls[0].OpType)
	retired := right.calls[0].NewRegionInfo
	require.True(t, retired.Merged(), "retired right region must read back as merged")

	related := right.calls[0].RelatedRegionInfo
	require.NotNil(t, related, "retired right region must carry the surviving left sibling for VERSION_OLD redirects")
	require.Equal(t, left.info.ID, related.ID)
	require.Equal(t, []byte("z"), related.EndKey)
}

func TestCoordinatorRejectsNonAdjacentRegions(t *testing.T) {
	store := kv.NewMemStore()
	left := &fakeRegion{info: &proto.RegionInfo{ID: 1, StartKey: []byte("a"), EndKey: []byte("m")}}
	right := &fakeRegion{info: &proto.RegionInfo{ID: 2, StartKey: []byte("n"), EndKey: []byte("z")}}

	c := NewCoordinator(store, 0)
	err := c.Run(context.Background(), left, right)
	require.Error(t, err)
	require.Empty(t, left.calls)
	require.Empty(t, right.calls)
}
