// Package grpcstatus is the gRPC health/reflection surface for a
// validator node, adapted from the teacher's internal/grpc.Server: the
// same keepalive policy, recovery/prometheus interceptor chain, and
// reflection registration, but serving the standard grpc_health_v1
// service against this node's pbft.State instead of the
// teacher's generated AdminService/AuthService.
package grpcstatus

import (
	"fmt"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/meridianchain/pbft/internal/pbft"
)

// Config holds the keepalive tunables, copied verbatim from the
// teacher's grpc.Config.
type Config struct {
	Port                  int
	MaxConnectionIdle     time.Duration
	MaxConnectionAge      time.Duration
	MaxConnectionAgeGrace time.Duration
	Time                  time.Duration
	Timeout               time.Duration
}

// Server wraps the gRPC server and the state snapshot it reports
// through grpc_health_v1.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	state        *pbft.State
	logger       *zap.Logger
	port         int
}

// NewServer builds a Server watching state's mode to drive the health
// server's serving status.
func NewServer(cfg Config, state *pbft.State, logger *zap.Logger) *Server {
	kaep := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
	kasp := keepalive.ServerParameters{
		MaxConnectionIdle:     cfg.MaxConnectionIdle,
		MaxConnectionAge:      cfg.MaxConnectionAge,
		MaxConnectionAgeGrace: cfg.MaxConnectionAgeGrace,
		Time:                  cfg.Time,
		Timeout:               cfg.Timeout,
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(kaep),
		grpc.KeepaliveParams(kasp),
		grpc.ChainUnaryInterceptor(
			grpc_prometheus.UnaryServerInterceptor,
			grpc_middleware.ChainUnaryServer(grpc_recovery.UnaryServerInterceptor()),
		),
		grpc.ChainStreamInterceptor(
			grpc_prometheus.StreamServerInterceptor,
			grpc_middleware.ChainStreamServer(grpc_recovery.StreamServerInterceptor()),
		),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	grpc_prometheus.Register(grpcServer)
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		state:        state,
		logger:       logger,
		port:         cfg.Port,
	}
}

// Start listens on s.port and serves until the listener is closed.
// It also launches the phase-polling loop that keeps the health
// server's status current.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	go s.watchPhase()
	s.logger.Info("grpc status server listening", zap.Int("port", s.port))
	return s.grpcServer.Serve(lis)
}

// watchPhase polls state on a fixed cadence and refreshes the health
// server's status, matching the teacher's periodic health-watch ticker.
func (s *Server) watchPhase() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.refreshServingStatus()
	}
}

// refreshServingStatus reports NOT_SERVING only while the node is mid
// view-change (Mode == pbft.ViewChangingMode); split out from
// watchPhase so the mapping from state to health status is testable
// without waiting on the ticker.
func (s *Server) refreshServingStatus() {
	snap := s.state.Snapshot()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if snap.Mode == pbft.ViewChangingMode {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
