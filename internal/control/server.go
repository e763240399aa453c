// Package control exposes the call manager to out-of-process hosts over
// gRPC. Commands and notifications travel as generic struct messages using
// the field names of the event package.
package control

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/event"
)

const (
	ServiceName         = "callctl.v1.CallControl"
	SubmitMethod        = "/" + ServiceName + "/Submit"
	NotificationsMethod = "/" + ServiceName + "/Notifications"
)

// Submitter accepts payloads for the worker.
type Submitter interface {
	Submit(p event.Payload)
}

// CallControlServer is the server side of the CallControl service.
type CallControlServer interface {
	Submit(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Notifications(*emptypb.Empty, grpc.ServerStream) error
}

// Server implements CallControlServer over the call manager.
type Server struct {
	core Submitter
	feed *delegate.Broadcaster
	log  *logrus.Entry
}

func NewServer(core Submitter, feed *delegate.Broadcaster, log *logrus.Entry) *Server {
	return &Server{core: core, feed: feed, log: log}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Submit decodes one payload and queues it. Validation failures are
// returned to the caller instead of being raised as notifications.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	p, err := event.FromMap(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.log.WithFields(logrus.Fields{"action": p.Action.String(), "call_id": p.CallID}).Debug("submit")
	s.core.Submit(p)
	return &emptypb.Empty{}, nil
}

// Notifications streams every notification until the client goes away.
func (s *Server) Notifications(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.feed.Subscribe()
	defer s.feed.Unsubscribe(sub)
	s.log.Info("notification stream opened")
	defer s.log.Info("notification stream closed")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "notification feed closed")
			}
			msg, err := structpb.NewStruct(n.Fields())
			if err != nil {
				s.log.Warnf("encoding notification: %v", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallControlServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CallControlServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func notificationsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CallControlServer).Notifications(in, stream)
}

// ServiceDesc describes the CallControl service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Notifications", Handler: notificationsHandler, ServerStreams: true},
	},
}
