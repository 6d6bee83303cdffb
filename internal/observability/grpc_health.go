package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes the standard grpc.health.v1 service. Its serving
// status follows a Readiness evaluator.
type GRPCHealthServer struct {
	addr      string
	readiness *Readiness
	interval  time.Duration
	logger    zerolog.Logger

	server *grpc.Server
	health *health.Server
}

// NewGRPCHealthServer creates a health server for addr
func NewGRPCHealthServer(addr string, readiness *Readiness, logger zerolog.Logger) *GRPCHealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealthServer{
		addr:      addr,
		readiness: readiness,
		interval:  5 * time.Second,
		logger:    logger,
		server:    srv,
		health:    hs,
	}
}

// Health returns the underlying health service
func (s *GRPCHealthServer) Health() *health.Server {
	return s.health
}

// Refresh evaluates readiness once and publishes the result
func (s *GRPCHealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready, _ := s.readiness.Check(ctx); ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return status
}

// Serve listens on addr and blocks until ctx is cancelled or serving fails
func (s *GRPCHealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health on %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener
func (s *GRPCHealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")

	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC health server failed: %w", err)
	}
	return nil
}
