package twophaseservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gojo2pc.TwoPhase"

const (
	MethodPrepare           = "Prepare"
	MethodCommitPrepared    = "CommitPrepared"
	MethodRollbackPrepared  = "RollbackPrepared"
	MethodListPrepared      = "ListPrepared"
	MethodIncrDependentWork = "IncrDependentWork"
	MethodDecrDependentWork = "DecrDependentWork"
)

// TwoPhaseServer is the server API of the TwoPhase service. Messages are
// structpb.Struct values; field names are documented on the implementation.
type TwoPhaseServer interface {
	Prepare(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CommitPrepared(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackPrepared(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPrepared(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IncrDependentWork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecrDependentWork(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TwoPhaseServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TwoPhaseServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// ServiceDesc describes the TwoPhase service to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TwoPhaseServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodPrepare, TwoPhaseServer.Prepare),
		methodDesc(MethodCommitPrepared, TwoPhaseServer.CommitPrepared),
		methodDesc(MethodRollbackPrepared, TwoPhaseServer.RollbackPrepared),
		methodDesc(MethodListPrepared, TwoPhaseServer.ListPrepared),
		methodDesc(MethodIncrDependentWork, TwoPhaseServer.IncrDependentWork),
		methodDesc(MethodDecrDependentWork, TwoPhaseServer.DecrDependentWork),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojo2pc/twophase",
}

func RegisterTwoPhaseServer(s grpc.ServiceRegistrar, srv TwoPhaseServer) {
	s.RegisterService(&ServiceDesc, srv)
}
