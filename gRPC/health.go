package grpcsvc

import (
	"SafetyDetConsole/logger"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BackendService is the health service name that tracks the detection
// backend. The empty name reports the console itself.
const BackendService = "safetydet.DetectionBackend"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = logger.Log()
	}
	s := &Server{
		health: health.NewServer(),
		log:    log,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(BackendService, healthpb.HealthCheckResponse_UNKNOWN)
	return s
}

// SetServing mirrors the backend liveness check into the health service.
func (s *Server) SetServing(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(BackendService, status)
}

// Serve blocks until the listener fails or the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func StartGRPCServer(addr int, log *zap.Logger) (*Server, error) {
	port := fmt.Sprintf(":%d", addr)
	lis, err := net.Listen("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", port, err)
	}
	s := New(log)
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Error("failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc call", zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)), zap.Error(err))
	return resp, err
}
