package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SchedulerService is the health service name reported for the job scheduler.
const SchedulerService = "recon.scheduler"

// GrpcServer exposes the standard gRPC health protocol so orchestrators and reconctl
// can probe the service.
type GrpcServer struct {
	Srv    *grpc.Server
	Health *health.Server
	log    *zap.SugaredLogger
}

func NewGrpcServer(log *zap.SugaredLogger) *GrpcServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_SERVING)
	return &GrpcServer{Srv: srv, Health: hs, log: log}
}

// Serve blocks until the listener fails or Stop is called.
func (g *GrpcServer) Serve(lis net.Listener) error {
	g.log.Infow("gRPC health service listening", "addr", lis.Addr().String())
	return g.Srv.Serve(lis)
}

// Stop reports NOT_SERVING, then drains in-flight calls until ctx expires.
func (g *GrpcServer) Stop(ctx context.Context) {
	g.Health.Shutdown()
	done := make(chan struct{})
	go func() {
		g.Srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.Srv.Stop()
	}
}

// Probe asks a health server for the status of service.
func Probe(ctx context.Context, conn grpc.ClientConnInterface, service string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
