// Package server runs the gRPC side of the gateway: health checking and
// reflection for operators.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Service names reported through grpc.health.v1.
const (
	GatewayService = "agentgate.v1.Gateway"
	ScannerService = "agentgate.v1.Scanner"
)

// Server is a gRPC server exposing health and reflection.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds the server and marks the gateway SERVING.
func New(logger *zap.Logger) *Server {
	g := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unaryLogging(logger)),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(GatewayService, healthpb.HealthCheckResponse_SERVING)

	// grpcurl support
	reflection.Register(g)

	return &Server{grpc: g, health: hs, logger: logger}
}

// SetScannerStatus reports whether prompts and responses are actually
// being scanned (NOT_SERVING while scanning is bypassed).
func (s *Server) SetScannerStatus(configured bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if configured {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ScannerService, st)
}

// Serve blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Shutdown flips every service to NOT_SERVING and stops gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func unaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
