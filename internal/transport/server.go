package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Service accepts client sessions and hands them to the client manager.
type Service struct {
	logger  hclog.Logger
	manager *aggregator.ClientManager
}

func NewService(logger hclog.Logger, manager *aggregator.ClientManager) *Service {
	return &Service{
		logger:  logger,
		manager: manager,
	}
}

// NewGrpcServer returns a gRPC server with the Join service registered.
func NewGrpcServer(logger hclog.Logger, manager *aggregator.ClientManager) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(common.MAX_MESSAGE_SIZE),
		grpc.MaxSendMsgSize(common.MAX_MESSAGE_SIZE),
	)
	RegisterFlowerServiceServer(grpcServer, NewService(logger, manager))
	return grpcServer
}

// Join holds the stream open until the proxy is closed or the client goes away.
func (s *Service) Join(stream grpc.ServerStream) error {
	ctx := stream.Context()

	address := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		address = p.Addr.String()
	}

	proxy := newGrpcClientProxy(clientIdFromContext(ctx), address, stream)
	if err := s.manager.Register(proxy); err != nil {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	defer s.manager.Unregister(proxy)

	select {
	case <-proxy.done:
	case <-ctx.Done():
		proxy.close()
		s.logger.Debug("Client stream ended", "client", proxy.id, "error", ctx.Err())
	}

	return nil
}

func clientIdFromContext(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.CLIENT_ID_METADATA_KEY); len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return uuid.New().String()
}

// GrpcClientProxy sends one instruction at a time over a Join stream.
type GrpcClientProxy struct {
	id      string
	address string
	stream  grpc.ServerStream

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

type roundTripResult struct {
	reply *ClientMessage
	err   error
}

func newGrpcClientProxy(id string, address string, stream grpc.ServerStream) *GrpcClientProxy {
	return &GrpcClientProxy{
		id:      id,
		address: address,
		stream:  stream,
		done:    make(chan struct{}),
	}
}

func (p *GrpcClientProxy) Id() string {
	return p.id
}

func (p *GrpcClientProxy) Address() string {
	return p.address
}

func (p *GrpcClientProxy) GetParameters(ctx context.Context, ins model.GetParametersIns) (model.GetParametersRes, error) {
	reply, err := p.roundTrip(ctx, &ServerMessage{GetParametersIns: &ins})
	if err != nil {
		return model.GetParametersRes{}, err
	}
	if reply.GetParametersRes == nil {
		return model.GetParametersRes{}, fmt.Errorf("%w: client %s did not return parameters", ErrUnexpectedMessage, p.id)
	}
	return *reply.GetParametersRes, nil
}

func (p *GrpcClientProxy) Fit(ctx context.Context, ins model.FitIns) (model.FitRes, error) {
	reply, err := p.roundTrip(ctx, &ServerMessage{FitIns: &ins})
	if err != nil {
		return model.FitRes{}, err
	}
	if reply.FitRes == nil {
		return model.FitRes{}, fmt.Errorf("%w: client %s did not return a fit result", ErrUnexpectedMessage, p.id)
	}
	return *reply.FitRes, nil
}

func (p *GrpcClientProxy) Evaluate(ctx context.Context, ins model.EvaluateIns) (model.EvaluateRes, error) {
	reply, err := p.roundTrip(ctx, &ServerMessage{EvaluateIns: &ins})
	if err != nil {
		return model.EvaluateRes{}, err
	}
	if reply.EvaluateRes == nil {
		return model.EvaluateRes{}, fmt.Errorf("%w: client %s did not return an evaluate result", ErrUnexpectedMessage, p.id)
	}
	return *reply.EvaluateRes, nil
}

// Reconnect ends the session once the client has acknowledged it.
func (p *GrpcClientProxy) Reconnect(ctx context.Context, ins model.ReconnectIns) (model.DisconnectRes, error) {
	reply, err := p.roundTrip(ctx, &ServerMessage{ReconnectIns: &ins})
	p.close()
	if err != nil {
		return model.DisconnectRes{}, err
	}
	if reply.DisconnectRes == nil {
		return model.DisconnectRes{}, fmt.Errorf("%w: client %s did not acknowledge disconnect", ErrUnexpectedMessage, p.id)
	}
	return *reply.DisconnectRes, nil
}

func (p *GrpcClientProxy) roundTrip(ctx context.Context, msg *ServerMessage) (*ClientMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return nil, ErrClientClosed
	default:
	}

	replies := make(chan roundTripResult, 1)
	go func() {
		if err := p.stream.SendMsg(msg); err != nil {
			replies <- roundTripResult{err: err}
			return
		}
		reply := &ClientMessage{}
		if err := p.stream.RecvMsg(reply); err != nil {
			replies <- roundTripResult{err: err}
			return
		}
		replies <- roundTripResult{reply: reply}
	}()

	select {
	case result := <-replies:
		if result.err != nil {
			p.close()
			return nil, fmt.Errorf("client %s %s: %w", p.id, msg.kind(), result.err)
		}
		return result.reply, nil
	case <-ctx.Done():
		p.close()
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClientClosed
	}
}

func (p *GrpcClientProxy) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
