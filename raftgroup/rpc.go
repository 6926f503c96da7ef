package raftgroup

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc so RaftService can move the hand-rolled
// wire types above without a protoc-generated codec.
const codecName = "raftgroup"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// binaryMarshaler is satisfied by every message type exchanged over
// RaftService; grpc's generic proto codec does not apply here since these
// structs are not generated by protoc.
type binaryMarshaler interface {
	Marshal() ([]byte, error)
}

type binaryUnmarshaler interface {
	Unmarshal([]byte) error
}

type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(binaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("raftgroup: %T does not implement Marshal", v)
	}
	return m.Marshal()
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(binaryUnmarshaler)
	if !ok {
		return fmt.Errorf("raftgroup: %T does not implement Unmarshal", v)
	}
	return m.Unmarshal(data)
}

// RaftServiceServer is the peer-to-peer service implemented by transport;
// it is the hand-written analogue of what protoc-gen-go-grpc would emit
// from a raft.proto definition.
type RaftServiceServer interface {
	RaftMessageBatch(RaftService_RaftMessageBatchServer) error
	RaftSnapshot(RaftService_RaftSnapshotServer) error
}

type RaftService_RaftMessageBatchServer interface {
	Send(*RaftMessageResponse) error
	Recv() (*RaftMessageRequestBatch, error)
	Context() context.Context
}

type RaftService_RaftMessageBatchClient interface {
	Send(*RaftMessageRequestBatch) error
	Recv() (*RaftMessageResponse, error)
	grpc.ClientStream
}

type RaftService_RaftSnapshotServer interface {
	Send(*RaftSnapshotResponse) error
	Recv() (*RaftSnapshotRequest, error)
	Context() context.Context
}

type RaftService_RaftSnapshotClient interface {
	Send(*RaftSnapshotRequest) error
	Recv() (*RaftSnapshotResponse, error)
	grpc.ClientStream
	CloseSend() error
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: "regioncore.raftgroup.RaftService",
	HandlerType: (*RaftServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RaftMessageBatch",
			Handler:       raftMessageBatchHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "RaftSnapshot",
			Handler:       raftSnapshotHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raftgroup.proto",
}

func raftMessageBatchHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftServiceServer).RaftMessageBatch(&raftMessageBatchServerStream{stream})
}

func raftSnapshotHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftServiceServer).RaftSnapshot(&raftSnapshotServerStream{stream})
}

// RegisterRaftServiceServer wires srv into s the way protoc-gen-go-grpc
// generated code would; callers must dial/serve with grpc.CallContentSubtype
// or grpc.ForceServerCodec(raftgroup codec) so the hand-rolled Marshal path
// above is used instead of the default protobuf codec.
func RegisterRaftServiceServer(s *grpc.Server, srv RaftServiceServer) {
	s.RegisterService(&raftServiceDesc, srv)
}

type raftMessageBatchServerStream struct {
	grpc.ServerStream
}

func (s *raftMessageBatchServerStream) Send(m *RaftMessageResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *raftMessageBatchServerStream) Recv() (*RaftMessageRequestBatch, error) {
	m := new(RaftMessageRequestBatch)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type raftSnapshotServerStream struct {
	grpc.ServerStream
}

func (s *raftSnapshotServerStream) Send(m *RaftSnapshotResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *raftSnapshotServerStream) Recv() (*RaftSnapshotRequest, error) {
	m := new(RaftSnapshotRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRaftServiceClient builds a client bound to the raftgroup wire codec.
func NewRaftServiceClient(cc *grpc.ClientConn) RaftServiceClient {
	return &raftServiceClient{cc}
}

type RaftServiceClient interface {
	RaftMessageBatch(ctx context.Context, opts ...grpc.CallOption) (RaftService_RaftMessageBatchClient, error)
	RaftSnapshot(ctx context.Context, opts ...grpc.CallOption) (RaftService_RaftSnapshotClient, error)
}

type raftServiceClient struct {
	cc *grpc.ClientConn
}

func (c *raftServiceClient) RaftMessageBatch(ctx context.Context, opts ...grpc.CallOption) (RaftService_RaftMessageBatchClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &raftServiceDesc.Streams[0], "/regioncore.raftgroup.RaftService/RaftMessageBatch", opts...)
	if err != nil {
		return nil, err
	}
	return &raftMessageBatchClientStream{stream}, nil
}

func (c *raftServiceClient) RaftSnapshot(ctx context.Context, opts ...grpc.CallOption) (RaftService_RaftSnapshotClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &raftServiceDesc.Streams[1], "/regioncore.raftgroup.RaftService/RaftSnapshot", opts...)
	if err != nil {
		return nil, err
	}
	return &raftSnapshotClientStream{stream}, nil
}

type raftMessageBatchClientStream struct {
	grpc.ClientStream
}

func (s *raftMessageBatchClientStream) Send(m *RaftMessageRequestBatch) error {
	return s.ClientStream.SendMsg(m)
}

func (s *raftMessageBatchClientStream) Recv() (*RaftMessageResponse, error) {
	m := new(RaftMessageResponse)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type raftSnapshotClientStream struct {
	grpc.ClientStream
}

func (s *raftSnapshotClientStream) Send(m *RaftSnapshotRequest) error {
	return s.ClientStream.SendMsg(m)
}

func (s *raftSnapshotClientStream) Recv() (*RaftSnapshotResponse, error) {
	m := new(RaftSnapshotResponse)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *raftSnapshotClientStream) CloseSend() error {
	return s.ClientStream.CloseSend()
}
