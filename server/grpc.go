package server

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/dbregion/regioncore/metrics"
	"github.com/dbregion/regioncore/proto"
)

// RPCServer wraps a Server with its grpc.Server, the regioncore analogue
// of the teacher's RPCServer wrapping server.Server.
type RPCServer struct {
	*Server
	grpcServer *grpc.Server
}

// NewRPCServer builds a grpc.Server chained with the tracer interceptor
// (twice, matching rpcserver.go's own ChainUnaryInterceptor call, which
// starts a span on the way in and lets it be read again by whatever
// nested call the handler itself makes) and grpc_prometheus's request
// counters/latency histogram, then registers the region RPC surface.
func NewRPCServer(s *Server) *RPCServer {
	rs := &RPCServer{Server: s}

	rs.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		rs.unaryInterceptorWithTracer,
		rs.unaryInterceptorWithTracer,
		metrics.GRPCMetrics.UnaryServerInterceptor(),
	))
	RegisterRegionServiceServer(rs.grpcServer, rs)
	metrics.GRPCMetrics.InitializeMetrics(rs.grpcServer)

	return rs
}

// Serve blocks accepting region RPC connections on lis until the server
// is stopped.
func (r *RPCServer) Serve(lis net.Listener) error {
	return r.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

// unaryInterceptorWithTracer starts a span from the caller's req-id
// metadata, or a fresh one if absent, mirroring rpcserver.go's own
// interceptor of the same name.
func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "failed to get metadata")
	}
	reqID, ok := md[proto.ReqIdKey]
	if ok {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqID[0])
	} else {
		_, ctx = trace.StartSpanFromContext(ctx, "")
	}

	return handler(ctx, req)
}
