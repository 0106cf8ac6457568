package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TaskServiceServer is implemented by a worker node willing to accept
// remote dispatches, result queries, and revocations. Server wraps a
// concrete implementation over the local broker/result-backend/
// revocation stores (server.go).
type TaskServiceServer interface {
	// Dispatch accepts a task message for local enqueue, mirroring a
	// producer's broker.Publish but arriving over the wire instead of
	// from an in-process caller.
	Dispatch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	// GetResult returns a JSON-encoded resultEnvelope for the requested task id.
	GetResult(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	// Revoke marks a task id revoked on the local revocation store.
	Revoke(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// serviceName is the fully-qualified gRPC service name carried in every
// request's :path pseudo-header, matching what protoc-gen-go-grpc would
// derive from a "package dotcelery.transport; service TaskService" file.
const serviceName = "dotcelery.transport.TaskService"

func _TaskService_Dispatch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Dispatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).Dispatch(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _TaskService_GetResult_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).GetResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetResult"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).GetResult(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _TaskService_Revoke_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Revoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).Revoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// taskServiceDesc is the ServiceDesc protoc-gen-go-grpc would emit for
// a three-unary-method TaskService.
var taskServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: _TaskService_Dispatch_Handler},
		{MethodName: "GetResult", Handler: _TaskService_GetResult_Handler},
		{MethodName: "Revoke", Handler: _TaskService_Revoke_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/grpc/service.go",
}

// RegisterTaskServiceServer registers srv on s, the same call shape a
// generated RegisterTaskServiceServer would have.
func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&taskServiceDesc, srv)
}

// taskServiceClient is the hand-written analog of a generated client stub.
type taskServiceClient struct {
	cc grpc.ClientConnInterface
}

func newTaskServiceClient(cc grpc.ClientConnInterface) *taskServiceClient {
	return &taskServiceClient{cc: cc}
}

func (c *taskServiceClient) Dispatch(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Dispatch", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *taskServiceClient) GetResult(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetResult", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *taskServiceClient) Revoke(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Revoke", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
