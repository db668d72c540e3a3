// Package server exposes the administrative gRPC API of qnetd.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"qnet/api/admin"
)

// Config controls the admin server.
type Config struct {
	Addr   string
	Logger hclog.Logger
}

// Server represents the gRPC server
type Server struct {
	cfg      Config
	logger   hclog.Logger
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener

	statusService *StatusService
}

// NewServer creates the admin server answering from src.
func NewServer(cfg Config, src StatusSource) *Server {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	logger := cfg.Logger

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Second,
			MaxConnectionAge:      30 * time.Second,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  5 * time.Second,
			Timeout:               1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.UnaryInterceptor(logRequests(logger)),
	}

	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		grpc:          grpcServer,
		health:        health.NewServer(),
		statusService: NewStatusService(src),
	}

	admin.RegisterStatusServer(grpcServer, s.statusService)
	healthpb.RegisterHealthServer(grpcServer, s.health)

	s.health.SetServingStatus(admin.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Listen binds the admin socket. Start calls it if needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = listener

	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Info("starting admin server", "address", s.listener.Addr().String())

	served := make(chan error, 1)
	go func() {
		served <- s.grpc.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
	case err := <-served:
		if err != nil {
			s.logger.Error("grpc server error", "error", err)
		}
		return err
	}

	err := s.Stop()
	<-served

	return err
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")

	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("admin server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("force stopping admin server")
		s.grpc.Stop()
		<-done
	}

	return nil
}

func logRequests(logger hclog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		logger.Debug("admin request", "method", info.FullMethod,
			"duration", time.Since(start), "error", err)

		return resp, err
	}
}
