package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"nyyu-stream/internal/config"
	"nyyu-stream/internal/models"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// StreamService is the health service name reported for the streaming core.
const StreamService = "nyyu.stream.v1.Stream"

// Server exposes gRPC health for the stream. Both the overall ("") and the
// StreamService status are SERVING exactly while the upstream link is
// connected.
type Server struct {
	config     config.ServerConfig
	logger     *logrus.Logger
	health     *health.Server
	grpcServer *grpc.Server
	startTime  time.Time
}

func NewServer(cfg config.ServerConfig, logger *logrus.Logger) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		health:    health.NewServer(),
		startTime: time.Now(),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.SetServing(false)
	return s
}

// Start listens on the configured port and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Infof("gRPC server listening on :%d", s.config.GRPCPort)
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.logger.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
}

// SetServing flips both health entries.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(StreamService, st)
}

// OnConnectionChange tracks upstream state.
func (s *Server) OnConnectionChange(ev models.ConnectionEvent) {
	s.SetServing(ev.State == models.StateConnected)
}

func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
