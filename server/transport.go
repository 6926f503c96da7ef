package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/dbregion/regioncore/proto"
)

// MetaConfig names the meta service this node reports to and the cadence
// of the upward heartbeat, the regioncore analogue of the teacher's
// client.MasterConfig.
type MetaConfig struct {
	HeartbeatIntervalS int
}

// metaClient is the narrow surface transport needs from the meta service;
// kept as a small local interface (rather than importing a concrete meta
// client package) the same way shardserver/catalog/transporter.go names
// masterClient as an interface satisfied by its generated grpc stub.
type metaClient interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	ResolveLeader(ctx context.Context, regionID proto.RegionID) (*proto.RegionInfo, error)
}

// HeartbeatRequest carries this node's hosted-region snapshot upward;
// the meta service's response can carry directives (region moves, DDL
// steps, split/merge triggers) in a future revision — kept minimal here
// since no directive kind is specified by name yet.
type HeartbeatRequest struct {
	NodeInfo proto.NodeInfo
	Regions  []*proto.RegionInfo
}

type HeartbeatResponse struct{}

// transport runs the upward heartbeat loop and caches downward
// leader-resolution lookups, grounded on
// shardserver/catalog/transporter.go's StartHeartbeat/GetNode pair.
type transport struct {
	nodeInfo proto.NodeInfo
	client   metaClient

	done chan struct{}

	mu          sync.RWMutex
	leaderCache map[proto.RegionID]*proto.RegionInfo
	singleRun   singleflight.Group
}

func newTransport(nodeInfo proto.NodeInfo, client metaClient) *transport {
	return &transport{
		nodeInfo:    nodeInfo,
		client:      client,
		done:        make(chan struct{}),
		leaderCache: make(map[proto.RegionID]*proto.RegionInfo),
	}
}

// ResolveLeader returns the last known leader descriptor for regionID,
// coalescing concurrent callers racing on the same miss into one RPC via
// singleflight, the same way transporter.GetNode does for node lookups.
func (t *transport) ResolveLeader(ctx context.Context, regionID proto.RegionID) (*proto.RegionInfo, error) {
	t.mu.RLock()
	info, ok := t.leaderCache[regionID]
	t.mu.RUnlock()
	if ok {
		return info, nil
	}

	v, err, _ := t.singleRun.Do(strconv.FormatUint(regionID, 10), func() (interface{}, error) {
		info, err := t.client.ResolveLeader(ctx, regionID)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.leaderCache[regionID] = info
		t.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, errors.Info(err, "resolve region leader")
	}
	return v.(*proto.RegionInfo), nil
}

// Invalidate drops a stale leader cache entry after a VERSION_OLD /
// NOT_LEADER response tells the caller its cached routing is wrong.
func (t *transport) Invalidate(regionID proto.RegionID) {
	t.mu.Lock()
	delete(t.leaderCache, regionID)
	t.mu.Unlock()
}

// StartHeartbeat runs the upward heartbeat loop until Close, reporting
// every hosted region's current descriptor each tick.
func (t *transport) StartHeartbeat(ctx context.Context, snapshot func() []*proto.RegionInfo, intervalS int) {
	if intervalS <= 0 {
		intervalS = 1
	}
	ticker := time.NewTicker(time.Duration(intervalS) * time.Second)
	span := trace.SpanFromContext(ctx)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				req := &HeartbeatRequest{NodeInfo: t.nodeInfo, Regions: snapshot()}
				if _, err := t.client.Heartbeat(ctx, req); err != nil {
					span.Warnf("heartbeat to meta service failed: %s", err)
				}
			case <-t.done:
				return
			}
		}
	}()
}

func (t *transport) Close() {
	close(t.done)
}
