package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Both services carry well-known protobuf types, so their descriptors are
// declared here rather than generated from a .proto file.

const (
	peerServiceName   = "quorumkv.PeerTransport"
	clientServiceName = "quorumkv.Client"
)

// PeerServer receives encoded messages from other nodes.
type PeerServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// ClientServer is the client-facing API of a node.
type ClientServer interface {
	ProposeTransaction(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Increment(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ReadCounter(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	LeaderStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

func unary[S, Req, Resp any](fullMethod string, newReq func() Req, call func(S, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    unary("/"+peerServiceName+"/Deliver", newBytes, PeerServer.Deliver),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumkv/peer.proto",
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: clientServiceName,
	HandlerType: (*ClientServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ProposeTransaction",
			Handler:    unary("/"+clientServiceName+"/ProposeTransaction", newStruct, ClientServer.ProposeTransaction),
		},
		{
			MethodName: "Increment",
			Handler:    unary("/"+clientServiceName+"/Increment", newString, ClientServer.Increment),
		},
		{
			MethodName: "ReadCounter",
			Handler:    unary("/"+clientServiceName+"/ReadCounter", newString, ClientServer.ReadCounter),
		},
		{
			MethodName: "LeaderStatus",
			Handler:    unary("/"+clientServiceName+"/LeaderStatus", newEmpty, ClientServer.LeaderStatus),
		},
		{
			MethodName: "Get",
			Handler:    unary("/"+clientServiceName+"/Get", newString, ClientServer.Get),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumkv/client.proto",
}

func newBytes() *wrapperspb.BytesValue   { return new(wrapperspb.BytesValue) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

func RegisterClientServer(s grpc.ServiceRegistrar, srv ClientServer) {
	s.RegisterService(&clientServiceDesc, srv)
}

type peerClient struct {
	cc grpc.ClientConnInterface
}

func newPeerClient(cc grpc.ClientConnInterface) *peerClient {
	return &peerClient{cc: cc}
}

func (c *peerClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+peerServiceName+"/Deliver", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
