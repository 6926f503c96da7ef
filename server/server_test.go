package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/region"
)

type noopMeta struct{}

func (noopMeta) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{}, nil
}
func (noopMeta) ResolveLeader(ctx context.Context, regionID proto.RegionID) (*proto.RegionInfo, error) {
	return nil, nil
}

func newTestServerRegion(id proto.RegionID) *region.Region {
	store := kv.NewMemStore()
	info := &proto.RegionInfo{
		ID:      id,
		TableID: 1,
		Indexes: []proto.IndexInfo{
			{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, Fields: []uint32{0}},
		},
	}
	return region.New(region.DefaultConfig(1), store, info)
}

func TestServerQueryRoutesToHostedRegion(t *testing.T) {
	srv := NewServer(Config{}, noopMeta{})
	r := newTestServerRegion(1)
	srv.AddRegion(r)

	req := &proto.Request{OpType: proto.OpSelect, RegionID: 1, SelectWithoutLeader: true}
	resp, err := srv.Query(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeSuccess, resp.ErrCode)
}

func TestServerQueryUnhostedRegionReturnsVersionOld(t *testing.T) {
	srv := NewServer(Config{}, noopMeta{})

	req := &proto.Request{OpType: proto.OpSelect, RegionID: 99}
	resp, err := srv.Query(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, proto.ErrCodeVersionOld, resp.ErrCode)
}

func TestServerSnapshotListsHostedRegions(t *testing.T) {
	srv := NewServer(Config{}, noopMeta{})
	srv.AddRegion(newTestServerRegion(1))
	srv.AddRegion(newTestServerRegion(2))

	infos := srv.Snapshot()
	require.Len(t, infos, 2)

	srv.RemoveRegion(1)
	require.Len(t, srv.Snapshot(), 1)
}
