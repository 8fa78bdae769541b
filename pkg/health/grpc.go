package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"conversation-engine/backend/pkg/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BindGRPC mirrors checker results into a gRPC health server. The empty
// service name carries the overall status; each component is published
// under its own name.
func BindGRPC(c *Checker, srv *grpchealth.Server) {
	c.OnChange(func(components map[string]*Component, healthy bool) {
		srv.SetServingStatus("", servingStatus(healthy))
		for name, comp := range components {
			srv.SetServingStatus(name, servingStatus(comp.Status != StatusDown))
		}
	})
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ServeGRPC exposes the standard grpc.health.v1 service on addr until ctx is
// done.
func ServeGRPC(ctx context.Context, addr string, c *Checker, log *logger.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}

	hs := grpchealth.NewServer()
	BindGRPC(c, hs)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		server.GracefulStop()
	}()

	log.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
