package main

import (
	"context"

	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/server"
)

// noopMetaClient stands in for the meta service in the single-node
// development path, where this node is its own routing authority; a real
// deployment dials the meta service's grpc surface instead.
type noopMetaClient struct{}

func newNoopMetaClient() *noopMetaClient { return &noopMetaClient{} }

func (*noopMetaClient) Heartbeat(ctx context.Context, req *server.HeartbeatRequest) (*server.HeartbeatResponse, error) {
	return &server.HeartbeatResponse{}, nil
}

func (*noopMetaClient) ResolveLeader(ctx context.Context, regionID proto.RegionID) (*proto.RegionInfo, error) {
	return nil, nil
}
