package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc

// ServiceName is the fully-qualified gRPC service served by cmd/worker.
const ServiceName = "modelsearch.v1.Worker"

const (
	learnMethod      = "/" + ServiceName + "/Learn"
	compareMethod    = "/" + ServiceName + "/Compare"
	negligibleMethod = "/" + ServiceName + "/Negligible"
)

// WorkerServiceClient is the client API for the worker service. Every message
// is a google.protobuf.Struct so no generated code is needed.
type WorkerServiceClient interface {
	Learn(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Compare(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Negligible(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

// WorkerServiceServer is the server API for the worker service.
type WorkerServiceServer interface {
	Learn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Compare(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Negligible(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient returns a client invoking methods over cc.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc: cc}
}

func (c *workerServiceClient) Learn(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, learnMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) Compare(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, compareMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) Negligible(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, negligibleMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterWorkerServiceServer attaches srv to s.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

type serverMethod func(WorkerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call serverMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Learn", Handler: unaryHandler(learnMethod, WorkerServiceServer.Learn)},
		{MethodName: "Compare", Handler: unaryHandler(compareMethod, WorkerServiceServer.Compare)},
		{MethodName: "Negligible", Handler: unaryHandler(negligibleMethod, WorkerServiceServer.Negligible)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modelsearch/v1/worker.proto",
}

// #endregion service-desc
