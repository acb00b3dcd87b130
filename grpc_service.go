package hddo

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// LedgerServiceServer is the server API of the hddo.ledger.v1.Ledger gRPC
// service. Messages are protobuf well-known types, so no generated code is
// needed:
//
//	Reserve(StringValue commitment) returns (StringValue token)
//	Accept(Struct{record, token}) returns (StringValue disclosure)
//	Delete(Struct{record, salt}) returns (Empty)
//	Broadcast(StringValue commitment) returns (ListValue script)
//	Lookup(StringValue disclosure) returns (Struct record)
type LedgerServiceServer interface {
	Reserve(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Accept(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Delete(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Broadcast(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// UnimplementedLedgerServiceServer can be embedded to have forward compatible implementations.
type UnimplementedLedgerServiceServer struct{}

func (UnimplementedLedgerServiceServer) Reserve(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Reserve not implemented")
}
func (UnimplementedLedgerServiceServer) Accept(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Accept not implemented")
}
func (UnimplementedLedgerServiceServer) Delete(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Delete not implemented")
}
func (UnimplementedLedgerServiceServer) Broadcast(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Broadcast not implemented")
}
func (UnimplementedLedgerServiceServer) Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Lookup not implemented")
}

// RegisterLedgerServiceServer registers the ledger service on a gRPC server.
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerService_ServiceDesc, srv)
}

// LedgerServiceClient is the client API of the ledger gRPC service.
type LedgerServiceClient interface {
	Reserve(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Accept(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Broadcast(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error)
	Lookup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
}

const ledgerServiceName = "hddo.ledger.v1.Ledger"

type ledgerServiceClient struct{ cc grpc.ClientConnInterface }

// NewLedgerServiceClient returns a client for the ledger service on cc.
func NewLedgerServiceClient(cc grpc.ClientConnInterface) LedgerServiceClient {
	return &ledgerServiceClient{cc: cc}
}

func (c *ledgerServiceClient) Reserve(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/Reserve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Accept(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/Accept", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/Delete", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Broadcast(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/Broadcast", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Lookup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ledgerServiceName+"/Lookup", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// unaryHandler adapts a typed service method to a grpc.MethodDesc handler.
func unaryHandler[In any, Out any](method string, call func(LedgerServiceServer, context.Context, *In) (Out, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ledgerServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LedgerService_ServiceDesc is the grpc.ServiceDesc for the ledger service.
var LedgerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: unaryHandler("Reserve", LedgerServiceServer.Reserve)},
		{MethodName: "Accept", Handler: unaryHandler("Accept", LedgerServiceServer.Accept)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", LedgerServiceServer.Delete)},
		{MethodName: "Broadcast", Handler: unaryHandler("Broadcast", LedgerServiceServer.Broadcast)},
		{MethodName: "Lookup", Handler: unaryHandler("Lookup", LedgerServiceServer.Lookup)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hddo/ledger/v1/ledger.proto",
}
