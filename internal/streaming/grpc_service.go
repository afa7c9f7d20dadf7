package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	telemetryServiceName = "rig.v1.Telemetry"

	// EventSnapshot is the first message of every status stream.
	EventSnapshot = "snapshot"
)

// StatusSource provides the machine snapshot served by GetStatus.
type StatusSource interface {
	Status() machine.MachineStatus
}

type TelemetryServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamStatus(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// TelemetryService serves machine status and the live event stream over
// gRPC. Messages are structpb values so no generated code is needed.
type TelemetryService struct {
	streamer *EventStreamer
	source   StatusSource
}

func NewTelemetryService(streamer *EventStreamer, source StatusSource) *TelemetryService {
	return &TelemetryService{
		streamer: streamer,
		source:   source,
	}
}

func (s *TelemetryService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.source.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// StreamStatus sends a snapshot followed by every event of the requested
// topics. An empty "topics" list streams everything.
func (s *TelemetryService) StreamStatus(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	topics, err := requestedTopics(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	eventCh := s.streamer.Subscribe(topics...)
	defer s.streamer.Unsubscribe(eventCh)

	snapshot := &Event{
		Topic:     machine.TopicMachine,
		Kind:      EventSnapshot,
		Payload:   s.source.Status(),
		Timestamp: time.Now(),
	}
	if err := s.send(stream, snapshot); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			if err := s.send(stream, event); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *TelemetryService) send(stream grpc.ServerStreamingServer[structpb.Struct], event *Event) error {
	msg, err := toStruct(event)
	if err != nil {
		return status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return stream.Send(msg)
}

func requestedTopics(req *structpb.Struct) ([]string, error) {
	if req == nil {
		return nil, nil
	}
	field, ok := req.GetFields()["topics"]
	if !ok {
		return nil, nil
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("topics must be a list")
	}

	topics := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("topics must be strings")
		}
		topics = append(topics, sv.StringValue)
	}
	return topics, nil
}

// toStruct maps v through its JSON form so the wire shape matches the REST
// and websocket payloads.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&TelemetryServiceDesc, srv)
}

func telemetryGetStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + telemetryServiceName + "/GetStatus",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func telemetryStreamStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamStatus(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var TelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: telemetryServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    telemetryGetStatusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamStatus",
			Handler:       telemetryStreamStatusHandler,
			ServerStreams: true,
		},
	},
}

// TelemetryClient is the client side of TelemetryServiceDesc.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

func (c *TelemetryClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+telemetryServiceName+"/GetStatus", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TelemetryClient) StreamStatus(ctx context.Context, topics []string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	list := make([]any, len(topics))
	for i, t := range topics {
		list[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"topics": list})
	if err != nil {
		return nil, err
	}

	stream, err := c.cc.NewStream(ctx, &TelemetryServiceDesc.Streams[0], "/"+telemetryServiceName+"/StreamStatus", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
