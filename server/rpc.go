// Package server exposes the region RPC surface (§6) over gRPC and runs
// the upward heartbeat/downward directive transport to the meta service
// that owns the routing table, the way the teacher's shardserver exposes
// its catalog RPC surface and runs its own master transport.
package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/proto"
)

// codecName is registered with grpc so RegionService can move
// proto.Request/Response without a protoc-generated codec, the same
// hand-rolled-codec idiom raftgroup.rawCodec already uses for the
// peer-to-peer raft transport.
const codecName = "regioncore-rpc"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *proto.Request:
		return codec.EncodeRequest(m), nil
	case *proto.Response:
		return codec.EncodeResponse(m), nil
	default:
		return nil, fmt.Errorf("server: %T has no region-service wire encoding", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *proto.Request:
		req, err := codec.DecodeRequest(data)
		if err != nil {
			return err
		}
		*m = *req
		return nil
	case *proto.Response:
		resp, err := codec.DecodeResponse(data)
		if err != nil {
			return err
		}
		*m = *resp
		return nil
	default:
		return fmt.Errorf("server: %T has no region-service wire encoding", v)
	}
}

// RegionServiceServer is the hand-written analogue of what
// protoc-gen-go-grpc would emit from a region.proto Query RPC.
type RegionServiceServer interface {
	Query(context.Context, *proto.Request) (*proto.Response, error)
}

var regionServiceDesc = grpc.ServiceDesc{
	ServiceName: "regioncore.server.RegionService",
	HandlerType: (*RegionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler:    regionQueryHandler,
		},
	},
	Metadata: "server.proto",
}

func regionQueryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(proto.Request)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegionServiceServer).Query(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/regioncore.server.RegionService/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegionServiceServer).Query(ctx, req.(*proto.Request))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterRegionServiceServer wires srv into s the way protoc-gen-go-grpc
// generated code would.
func RegisterRegionServiceServer(s *grpc.Server, srv RegionServiceServer) {
	s.RegisterService(&regionServiceDesc, srv)
}

// RegionServiceClient is the hand-written client stub; callers must dial
// with grpc.ForceCodec(rawCodec{}) or grpc.CallContentSubtype(codecName)
// so the region-service wire format above is used instead of the default
// protobuf codec.
type RegionServiceClient interface {
	Query(ctx context.Context, req *proto.Request, opts ...grpc.CallOption) (*proto.Response, error)
}

func NewRegionServiceClient(cc *grpc.ClientConn) RegionServiceClient {
	return &regionServiceClient{cc}
}

type regionServiceClient struct {
	cc *grpc.ClientConn
}

func (c *regionServiceClient) Query(ctx context.Context, req *proto.Request, opts ...grpc.CallOption) (*proto.Response, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	resp := new(proto.Response)
	if err := c.cc.Invoke(ctx, "/regioncore.server.RegionService/Query", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
