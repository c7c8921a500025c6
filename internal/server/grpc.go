package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Jmolenaartje/Factobox/internal/broadcast"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ============================================================================
// gRPC Control service
// ============================================================================
//
// Service factobox.v1.Control, built on the well-known protobuf types so no
// generated code is needed:
//
//   rpc Start(Empty)       returns (StringValue)     run state
//   rpc Stop(Empty)        returns (StringValue)     run state
//   rpc Status(Empty)      returns (Struct)          snapshot
//   rpc Submit(ListValue)  returns (Struct)          build request
//   rpc Cancel(UInt64Value) returns (Struct)         cancelled build request
//   rpc Watch(Empty)       returns (stream Struct)   snapshots
//
// Structs carry the same JSON documents the HTTP surface serves.
//
// ============================================================================

const controlServiceName = "factobox.v1.Control"

// ControlServer is the server side of factobox.v1.Control.
type ControlServer interface {
	Start(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Stop(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Submit(context.Context, *structpb.ListValue) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterControlServer registers srv with s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Start",
			Handler: unaryHandler("Start", func() proto.Message { return new(emptypb.Empty) },
				func(srv ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return srv.Start(ctx, in.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "Stop",
			Handler: unaryHandler("Stop", func() proto.Message { return new(emptypb.Empty) },
				func(srv ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return srv.Stop(ctx, in.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler("Status", func() proto.Message { return new(emptypb.Empty) },
				func(srv ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return srv.Status(ctx, in.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "Submit",
			Handler: unaryHandler("Submit", func() proto.Message { return new(structpb.ListValue) },
				func(srv ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return srv.Submit(ctx, in.(*structpb.ListValue))
				}),
		},
		{
			MethodName: "Cancel",
			Handler: unaryHandler("Cancel", func() proto.Message { return new(wrapperspb.UInt64Value) },
				func(srv ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return srv.Cancel(ctx, in.(*wrapperspb.UInt64Value))
				}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "factobox/v1/control.proto",
}

func unaryHandler(
	method string,
	newIn func() proto.Message,
	call func(ControlServer, context.Context, proto.Message) (proto.Message, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newIn()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + controlServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(proto.Message))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, stream)
}

// ============================================================================
// Server implementation
// ============================================================================

// ControlService implements ControlServer on top of a Coordinator.
type ControlService struct {
	coord  Coordinator
	buffer int
}

// NewControlService creates the service. buffer is the per-Watch backlog.
func NewControlService(coord Coordinator, buffer int) *ControlService {
	if buffer <= 0 {
		buffer = 32
	}
	return &ControlService{coord: coord, buffer: buffer}
}

func (s *ControlService) Start(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	state, err := s.coord.StartRun()
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.String(string(state)), nil
}

func (s *ControlService) Stop(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	state, err := s.coord.StopRun()
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.String(string(state)), nil
}

func (s *ControlService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.coord.Status())
}

func (s *ControlService) Submit(ctx context.Context, in *structpb.ListValue) (*structpb.Struct, error) {
	names := make([]string, 0, len(in.GetValues()))
	for i, v := range in.GetValues() {
		str, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "resource %d is not a string", i)
		}
		names = append(names, str.StringValue)
	}

	build, err := s.coord.SubmitNames(names)
	if err != nil {
		return nil, rpcError(err)
	}
	return toStruct(build)
}

func (s *ControlService) Cancel(ctx context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	build, err := s.coord.Cancel(types.BuildID(in.GetValue()))
	if err != nil {
		return nil, rpcError(err)
	}
	return toStruct(build)
}

// Watch streams every snapshot until the client goes away.
func (s *ControlService) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	o := broadcast.NewChanObserver(s.buffer)
	if err := s.coord.Register(o); err != nil {
		return status.Errorf(codes.Unavailable, "register observer: %v", err)
	}
	defer s.coord.Unregister(o.ID())
	log.Info("Watch stream opened", "observer", o.ID())

	for {
		select {
		case snap := <-o.C():
			msg, err := toStruct(snap)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-o.Done():
			return status.Error(codes.Unavailable, "observer dropped")

		case <-stream.Context().Done():
			log.Info("Watch stream closed", "observer", o.ID())
			return nil
		}
	}
}

func rpcError(err error) error {
	return status.Error(grpcCode(err), err.Error())
}

// ============================================================================
// Client
// ============================================================================

// ControlClient calls factobox.v1.Control.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps an established connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+controlServiceName+"/"+method, in, out)
}

// Start opens the run gate.
func (c *ControlClient) Start(ctx context.Context) (types.RunState, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "Start", &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return types.RunState(out.GetValue()), nil
}

// Stop closes the run gate.
func (c *ControlClient) Stop(ctx context.Context) (types.RunState, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "Stop", &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return types.RunState(out.GetValue()), nil
}

// Status fetches the current snapshot.
func (c *ControlClient) Status(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return snap, err
	}
	err := fromStruct(out, &snap)
	return snap, err
}

// Submit queues a build by resource names.
func (c *ControlClient) Submit(ctx context.Context, names []string) (types.BuildRequest, error) {
	var build types.BuildRequest
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = n
	}
	in, err := structpb.NewList(values)
	if err != nil {
		return build, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Submit", in, out); err != nil {
		return build, err
	}
	err = fromStruct(out, &build)
	return build, err
}

// Cancel removes a queued build.
func (c *ControlClient) Cancel(ctx context.Context, id types.BuildID) (types.BuildRequest, error) {
	var build types.BuildRequest
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Cancel", wrapperspb.UInt64(uint64(id)), out); err != nil {
		return build, err
	}
	err := fromStruct(out, &build)
	return build, err
}

// Watch calls fn for every snapshot until ctx ends, the server closes the
// stream, or fn returns an error.
func (c *ControlClient) Watch(ctx context.Context, fn func(types.Snapshot) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &controlServiceDesc.Streams[0], "/"+controlServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var snap types.Snapshot
		if err := fromStruct(msg, &snap); err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}

// ============================================================================
// Conversion
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return json.Unmarshal(raw, v)
}
