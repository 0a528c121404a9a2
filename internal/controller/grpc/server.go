package grpc

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SchedulerService is the health service name tracking the control loop.
const SchedulerService = "gpushare.scheduler"

// Server exposes the standard gRPC health service. The overall status and
// the scheduler service follow the outcome of the latest loop cycle.
type Server struct {
	health     *health.Server
	grpcServer *grpc.Server
}

func NewServer() *Server {
	s := &Server{health: health.NewServer(), grpcServer: grpc.NewServer()}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ReportCycle records the result of a scheduling cycle.
func (s *Server) ReportCycle(err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(SchedulerService, status)
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	log.Info().Str("addr", addr).Msg("gRPC health server started")
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop marks every service as not serving and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
