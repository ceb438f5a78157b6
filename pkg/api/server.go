package api

import (
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/events"
)

// watchServiceName is the fully-qualified gRPC service name for the
// coordination-log watch surface (spec §12 supplemented watch/stream
// surface). There is no .proto file behind this: the wire message is a
// JSON-encoded types.CoordinationLogEntry carried in a
// wrapperspb.BytesValue, which keeps the surface reachable by any
// generic gRPC client without shipping generated stubs.
const watchServiceName = "coord.Watch"

var watchServiceDesc = grpc.ServiceDesc{
	ServiceName: watchServiceName,
	HandlerType: (*watchServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchCoordinationLog",
			ServerStreams: true,
			Handler:       watchCoordinationLogHandler,
		},
	},
	Metadata: "coord/watch.proto",
}

type watchServer interface {
	WatchCoordinationLog(req *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

func watchCoordinationLogHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(watchServer).WatchCoordinationLog(req, stream)
}

// Server exposes the coordination log over gRPC as a server-streaming
// watch, re-broadcasting whatever a coordinator publishes to its
// events.Broker (spec §12). It never accepts write RPCs: ReadOnlyStreamInterceptor
// rejects anything that isn't Watch/List/Get.
type Server struct {
	crd    *coordinator.Coordinator
	broker *events.Broker
	grpc   *grpc.Server
}

// NewServer creates a watch server backed by crd's broker. broker must
// already be attached to crd via Coordinator.WithBroker, or subscribers
// will connect successfully but never see an event.
func NewServer(crd *coordinator.Coordinator, broker *events.Broker) *Server {
	grpcServer := grpc.NewServer(grpc.StreamInterceptor(ReadOnlyStreamInterceptor()))

	s := &Server{crd: crd, broker: broker, grpc: grpcServer}
	grpcServer.RegisterService(&watchServiceDesc, s)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(watchServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server, letting in-flight watches drain.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// WatchCoordinationLog streams newly appended CoordinationLogEntry
// records, JSON-encoded, until the client cancels or the broker stops.
// req is unused (the watch has no filter parameters yet) but is part of
// the streaming RPC contract.
func (s *Server) WatchCoordinationLog(_ *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	if s.broker == nil {
		return status.Error(codes.Unavailable, "watch surface has no broker attached")
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return status.Error(codes.Unavailable, "broker stopped")
			}
			data, err := json.Marshal(evt.Entry)
			if err != nil {
				return status.Errorf(codes.Internal, "marshal log entry: %v", err)
			}
			if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
