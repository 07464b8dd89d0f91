package twophaseservice

import (
	"context"
	"crypto/tls"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// RateLimitInterceptor rejects requests beyond the limiter's budget with
// ResourceExhausted instead of queueing them.
func RateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "%s rejected: request rate limit exceeded", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its outcome and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("latency", time.Since(start)),
		}
		if err != nil {
			logger.Warn("RPC failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("RPC served", fields...)
		}
		return resp, err
	}
}

// ServerOptions configure NewGRPCServer.
type ServerOptions struct {
	RequestsPerSecond float64
	Burst             int
	TLS               *tls.Config
	Logger            *zap.Logger
}

// NewGRPCServer returns a grpc.Server with srv registered behind the
// admission and logging interceptors.
func NewGRPCServer(srv TwoPhaseServer, opts ServerOptions) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor(logger.Named("rpc"))}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		interceptors = append(interceptors, RateLimitInterceptor(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)))
	}
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}
	s := grpc.NewServer(serverOpts...)
	RegisterTwoPhaseServer(s, srv)
	return s
}
