package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/proto"
)

type countingMeta struct {
	resolveCalls int
	info         *proto.RegionInfo
}

func (m *countingMeta) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{}, nil
}

func (m *countingMeta) ResolveLeader(ctx context.Context, regionID proto.RegionID) (*proto.RegionInfo, error) {
	m.resolveCalls++
	return m.info, nil
}

func TestTransportResolveLeaderCachesAcrossCalls(t *testing.T) {
	meta := &countingMeta{info: &proto.RegionInfo{ID: 1, Leader: 7}}
	tr := newTransport(proto.NodeInfo{}, meta)

	info, err := tr.ResolveLeader(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, proto.NodeID(7), info.Leader)

	_, err = tr.ResolveLeader(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, meta.resolveCalls, "second lookup must hit the cache, not the meta client")
}

func TestTransportInvalidateForcesRefetch(t *testing.T) {
	meta := &countingMeta{info: &proto.RegionInfo{ID: 1, Leader: 7}}
	tr := newTransport(proto.NodeInfo{}, meta)

	_, err := tr.ResolveLeader(context.Background(), 1)
	require.NoError(t, err)
	tr.Invalidate(1)

	_, err = tr.ResolveLeader(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, meta.resolveCalls)
}
