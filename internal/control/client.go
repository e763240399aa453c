package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a host-side CallControl client.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to a CallControl server without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection; Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// Submit sends one payload document (see the event package field names).
func (c *Client) Submit(ctx context.Context, fields map[string]interface{}) error {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return c.conn.Invoke(ctx, SubmitMethod, req, new(emptypb.Empty))
}

// NotificationStream receives notifications as generic documents.
type NotificationStream struct {
	cs grpc.ClientStream
}

// Recv blocks for the next notification.
func (s *NotificationStream) Recv() (map[string]interface{}, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.AsMap(), nil
}

// Notifications opens the notification stream. It ends with ctx.
func (c *Client) Notifications(ctx context.Context) (*NotificationStream, error) {
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], NotificationsMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &NotificationStream{cs: cs}, nil
}
