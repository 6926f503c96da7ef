package server

import (
	"context"
	"sync"

	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/region"
)

// Config mirrors the teacher's own small per-role Config struct
// (server.Config in the teacher embeds MasterConfig/NodeConfig/
// StoreConfig); this repo has one role (region store), so it collapses to
// the region.Config plus this node's heartbeat target.
type Config struct {
	NodeInfo     proto.NodeInfo
	RegionConfig region.Config
	MetaConfig   MetaConfig
}

// Server owns every region hosted on this node and answers the region RPC
// surface (§6) by routing each request to the named region; it is the
// regioncore analogue of the teacher's shardserver.ShardServer.
type Server struct {
	cfg Config

	mu      sync.RWMutex
	regions map[proto.RegionID]*region.Region

	transport *transport
}

// NewServer wires a Server against meta, the caller-supplied grpc client
// to the meta service (generated the way NewRegionServiceClient is, or a
// test double); meta is intentionally a narrow interface rather than a
// concrete type so tests can substitute an in-process fake.
func NewServer(cfg Config, meta metaClient) *Server {
	return &Server{
		cfg:       cfg,
		regions:   make(map[proto.RegionID]*region.Region),
		transport: newTransport(cfg.NodeInfo, meta),
	}
}

// Start begins the upward heartbeat loop; call once after every initially
// hosted region has been registered via AddRegion.
func (s *Server) Start(ctx context.Context) {
	s.transport.StartHeartbeat(ctx, s.Snapshot, s.cfg.MetaConfig.HeartbeatIntervalS)
}

// Close stops the heartbeat loop.
func (s *Server) Close() {
	s.transport.Close()
}

// AddRegion registers a region this node now hosts (after creation, a
// split's child, or a merge's survivor), making it reachable from Query.
func (s *Server) AddRegion(r *region.Region) {
	s.mu.Lock()
	s.regions[r.ID()] = r
	s.mu.Unlock()
}

// RemoveRegion unregisters a region this node no longer hosts (merged
// away or moved elsewhere).
func (s *Server) RemoveRegion(id proto.RegionID) {
	s.mu.Lock()
	delete(s.regions, id)
	s.mu.Unlock()
}

func (s *Server) region(id proto.RegionID) (*region.Region, bool) {
	s.mu.RLock()
	r, ok := s.regions[id]
	s.mu.RUnlock()
	return r, ok
}

// Snapshot returns every hosted region's current descriptor, the payload
// of the upward heartbeat to the meta service.
func (s *Server) Snapshot() []*proto.RegionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]*proto.RegionInfo, 0, len(s.regions))
	for _, r := range s.regions {
		infos = append(infos, r.Info())
	}
	return infos
}

// Query implements RegionServiceServer: the region RPC entry point
// dispatches by req.RegionID to the hosting region's own Query, or
// VERSION_OLD if this node doesn't host it at all (the same retryable
// code a stale region_version gets, since both mean "refresh your routing
// table and retry").
func (s *Server) Query(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	r, ok := s.region(req.RegionID)
	if !ok {
		return &proto.Response{ErrCode: proto.ErrCodeVersionOld}, nil
	}
	return r.Query(ctx, req)
}
