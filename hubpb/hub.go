// Package hubpb contains the gRPC service definition of the hub protocol.
//
// The protocol has a single bidirectional streaming method, Connect. Each
// message on the stream is one frame, encoded as a google.protobuf.Struct so
// that the same frames can also be carried as JSON text over a WebSocket. The
// frame layout itself is owned by the grpchub package.
//
// The service is equivalent to this proto definition:
//
//	syntax = "proto3";
//	package grpchub.v1;
//	import "google/protobuf/struct.proto";
//
//	service HubService {
//	  rpc Connect(stream google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
package hubpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	HubService_ServiceName            = "grpchub.v1.HubService"
	HubService_Connect_FullMethodName = "/grpchub.v1.HubService/Connect"
)

// HubServiceClient is the client API for HubService.
type HubServiceClient interface {
	// Connect opens a session. All invocations and their item streams are
	// multiplexed over the returned stream.
	Connect(ctx context.Context, opts ...grpc.CallOption) (HubService_ConnectClient, error)
}

type HubService_ConnectClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

type hubServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewHubServiceClient(cc grpc.ClientConnInterface) HubServiceClient {
	return &hubServiceClient{cc}
}

func (c *hubServiceClient) Connect(ctx context.Context, opts ...grpc.CallOption) (HubService_ConnectClient, error) {
	opts = append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &HubService_ServiceDesc.Streams[0], HubService_Connect_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

// HubServiceServer is the server API for HubService.
type HubServiceServer interface {
	Connect(HubService_ConnectServer) error
}

type HubService_ConnectServer = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// UnimplementedHubServiceServer can be embedded to have forward compatible
// implementations.
type UnimplementedHubServiceServer struct{}

func (UnimplementedHubServiceServer) Connect(HubService_ConnectServer) error {
	return status.Error(codes.Unimplemented, "method Connect not implemented")
}

func RegisterHubServiceServer(s grpc.ServiceRegistrar, srv HubServiceServer) {
	s.RegisterService(&HubService_ServiceDesc, srv)
}

func _HubService_Connect_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(HubServiceServer).Connect(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// HubService_ServiceDesc is the grpc.ServiceDesc for HubService.
var HubService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: HubService_ServiceName,
	HandlerType: (*HubServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       _HubService_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "grpchub/v1/hub.proto",
}
