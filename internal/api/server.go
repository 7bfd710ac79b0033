package api

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxMessageSize bounds request and response sizes. Attachments travel by
// blob id, so events stay small.
const maxMessageSize = 4 * 1024 * 1024

// NewServer creates a gRPC server with recovery and logging interceptors and
// registers svc on it. Reflection is enabled when reflect is true, which lets
// grpcurl work against a development server.
func NewServer(svc ConvoyServer, reflect bool, logger zerolog.Logger) *grpc.Server {
	// Recovery interceptor to prevent panics from crashing the server
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor(logger),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)

	RegisterConvoyServer(server, svc)
	if reflect {
		reflection.Register(server)
	}
	return server
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Info()
		if code := status.Code(err); code == codes.Internal || code == codes.Unknown {
			ev = logger.Error()
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")

		return resp, err
	}
}
