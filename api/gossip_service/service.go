package gossipservice

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/versiondb/core/convergence"
)

const (
	serviceName = "versiondb.gossip.Gossip"
	pushMethod  = "/" + serviceName + "/Push"
)

// GossipServer is the server API of the gossip service.
type GossipServer interface {
	Push(ctx context.Context, msg *convergence.GossipMessage) (*convergence.GossipAck, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GossipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gossip",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(convergence.GossipMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GossipServer).Push(ctx, req.(*convergence.GossipMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterGossipServer registers srv with s.
func RegisterGossipServer(s grpc.ServiceRegistrar, srv GossipServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server implements GossipServer over a convergence node.
type Server struct {
	node   *convergence.Node
	logger *zap.Logger
}

// NewServer creates a new Server.
func NewServer(node *convergence.Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{node: node, logger: logger.Named("gossip_server")}
}

// Push applies the pushed records. Records that could not be handled are
// logged and left unacknowledged, so the sender retries them.
func (s *Server) Push(ctx context.Context, msg *convergence.GossipMessage) (*convergence.GossipAck, error) {
	ack, err := s.node.HandleGossip(ctx, msg)
	if ack == nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		s.logger.Warn("Some gossip records were not applied",
			zap.String("from", string(msg.From)),
			zap.Error(err))
	}
	return ack, nil
}
