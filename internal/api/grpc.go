package api

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/resolve-sim/internal/scenario"
)

// ControlServiceName is the fully-qualified gRPC service name.
const ControlServiceName = "resolve.sim.v1.Control"

// ControlServer is the server API of resolve.sim.v1.Control. Messages are
// google.protobuf.Struct so no generated code is required.
type ControlServer interface {
	Activate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Recover(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ControlServiceDesc describes resolve.sim.v1.Control for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Activate", Handler: unaryHandler("Activate", ControlServer.Activate)},
		{MethodName: "Recover", Handler: unaryHandler("Recover", ControlServer.Recover)},
		{MethodName: "Stop", Handler: unaryHandler("Stop", ControlServer.Stop)},
		{MethodName: "Status", Handler: unaryHandler("Status", ControlServer.Status)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

type controlMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call controlMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ControlServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlService adapts a Controller to ControlServer.
type ControlService struct {
	logger     *slog.Logger
	controller Controller
}

// NewControlService wraps controller.
func NewControlService(logger *slog.Logger, controller Controller) *ControlService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{logger: logger, controller: controller}
}

// Activate starts a scenario.
func (s *ControlService) Activate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := FromProtoActivateRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	st, outcome, err := s.controller.Activate(ctx, scenario.Kind(in.Kind), in.Origin)
	if err != nil {
		return nil, s.grpcError("activate", err)
	}
	return ToProtoOutcome(outcomeResponse(outcome, st))
}

// Recover begins remediation.
func (s *ControlService) Recover(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	outcome, err := s.controller.Recover(ctx)
	if err != nil {
		return nil, s.grpcError("recover", err)
	}
	st := s.controller.Status().Scenario.State
	return ToProtoOutcome(outcomeResponse(outcome, st))
}

// Stop ends the live run at the next step boundary.
func (s *ControlService) Stop(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return ToProtoOutcome(OutcomeResponse{Status: string(s.controller.Stop())})
}

// Status reports the live run.
func (s *ControlService) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return ToProtoStatus(statusResponse(s.controller.Status()))
}

func (s *ControlService) grpcError(op string, err error) error {
	switch classify(err) {
	case classInvalid:
		return status.Error(codes.InvalidArgument, err.Error())
	case classPrecondition:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		s.logger.Error("control call failed", slog.String("operation", op), slog.Any("error", err))
		return status.Error(codes.Internal, err.Error())
	}
}

// ControlClient calls resolve.sim.v1.Control.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps an established connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Activate asks the server to start kind on origin.
func (c *ControlClient) Activate(ctx context.Context, kind, origin string, opts ...grpc.CallOption) (OutcomeResponse, error) {
	req, err := ToProtoActivateRequest(ActivateRequest{Kind: kind, Origin: origin})
	if err != nil {
		return OutcomeResponse{}, err
	}
	out, err := c.invoke(ctx, "Activate", req, opts...)
	if err != nil {
		return OutcomeResponse{}, err
	}
	return FromProtoOutcome(out), nil
}

// Recover asks the server to begin remediation.
func (c *ControlClient) Recover(ctx context.Context, opts ...grpc.CallOption) (OutcomeResponse, error) {
	out, err := c.invoke(ctx, "Recover", &structpb.Struct{}, opts...)
	if err != nil {
		return OutcomeResponse{}, err
	}
	return FromProtoOutcome(out), nil
}

// Stop asks the server to end the live run.
func (c *ControlClient) Stop(ctx context.Context, opts ...grpc.CallOption) (OutcomeResponse, error) {
	out, err := c.invoke(ctx, "Stop", &structpb.Struct{}, opts...)
	if err != nil {
		return OutcomeResponse{}, err
	}
	return FromProtoOutcome(out), nil
}

// Status fetches the live run status.
func (c *ControlClient) Status(ctx context.Context, opts ...grpc.CallOption) (StatusResponse, error) {
	out, err := c.invoke(ctx, "Status", &structpb.Struct{}, opts...)
	if err != nil {
		return StatusResponse{}, err
	}
	return FromProtoStatus(out), nil
}

func (c *ControlClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ControlServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
