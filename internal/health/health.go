// Package health exposes the standard gRPC health service for viewrefresh.
//
// The overall service ("") reports SERVING while the process is up. The
// RefreshService entry follows the outcome of the latest run: a run that
// could not even list its views flips it to NOT_SERVING, any finished run
// flips it back.
package health

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// RefreshService is the health service name tracking refresh runs.
const RefreshService = "viewrefresh.Refresh"

// Server wraps a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// New creates a health server. Both services start as SERVING.
func New(log zerolog.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(true)
	return s
}

// SetServing sets both services to SERVING or NOT_SERVING.
func (s *Server) SetServing(serving bool) {
	st := status(serving)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(RefreshService, st)
}

// Observe updates RefreshService from a finished run. It matches the
// scheduler's report handler signature.
func (s *Server) Observe(report types.RunReport, err error) {
	if err != nil {
		s.log.Warn().Err(err).Msg("refresh run failed, reporting NOT_SERVING")
	}
	s.health.SetServingStatus(RefreshService, status(err == nil))
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("health server listening")
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
