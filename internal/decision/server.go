package decision

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spotguard/internal/domain"
)

// TokenMetadataKey — служебный токен между control plane и Decision Engine.
const TokenMetadataKey = "x-spotguard-token"

type decisionServer interface {
	SelectPool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*decisionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SelectPool", Handler: selectPoolHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spotguard/decision/v1/decision.proto",
}

func selectPoolHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(decisionServer).SelectPool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: selectPoolMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(decisionServer).SelectPool(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server отдает стратегию по gRPC (тот же выбор, что и локально).
type Server struct {
	strategy Strategy
	logger   *zap.Logger
}

func RegisterServer(s *grpc.Server, strategy Strategy, logger *zap.Logger) *Server {
	srv := &Server{strategy: strategy, logger: logger.Named("decision-grpc")}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

func (s *Server) SelectPool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	choice, err := s.strategy.SelectPool(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrNoPool) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		s.logger.Error("pool selection failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeChoice(choice)
}

// UnaryTokenInterceptor проверяет служебный токен в метаданных gRPC вызова.
// Пустой token в конфиге: проверка выключена (локальный режим).
func UnaryTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// В gRPC заголовки в нижнем регистре
		tokens := md.Get(TokenMetadataKey)
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return nil, status.Errorf(codes.PermissionDenied, "invalid access token")
		}
		return handler(ctx, req)
	}
}
