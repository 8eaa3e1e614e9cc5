// Package grpcapi exposes the standard gRPC health service, with the poller's
// serving status following the engine's monitoring state.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/observability"
	"relay-transcript-monitor/internal/observability/metrics"
)

// ServiceName is the health service name reporting the poller's state.
const ServiceName = "relay.monitor.Poller"

type Server struct {
	server *grpc.Server
	health *health.Server
}

// New creates the gRPC server with health and reflection registered. The
// process reports SERVING; the poller service starts NOT_SERVING until
// monitoring begins.
func New(m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	g := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	// Register gRPC health check service
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	return &Server{server: g, health: hs}
}

// SetMonitoring updates the poller's serving status.
func (s *Server) SetMonitoring(on bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if on {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Observe follows engine signals. Only monitoring transitions change status.
func (s *Server) Observe(sig models.Signal) {
	switch sig.Kind {
	case models.SignalMonitoringStarted:
		s.SetMonitoring(true)
	case models.SignalMonitoringStopped:
		s.SetMonitoring(false)
	}
}

// Serve blocks serving on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server started")
	return s.server.Serve(lis)
}

// Shutdown marks every service NOT_SERVING and stops gracefully.
func (s *Server) Shutdown() {
	log.Info().Msg("shutting down gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
