// Package grpcapi exposes the standard gRPC health service so
// orchestrators can probe the process without going through HTTP.
package grpcapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"perimeter.org/internal/obs"
)

// Checker reports whether the service can take traffic.
type Checker func(ctx context.Context) error

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	check  Checker
}

func New(check Checker) *Server {
	s := &Server{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		check:  check,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve runs the server on lis until Stop is called, re-evaluating the
// health check every five seconds.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)
	return s.srv.Serve(lis)
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	if s.check == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.check(ctx); err != nil {
		obs.SetReady(false)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	obs.SetReady(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
