package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"clubkit.org/internal/obs"
)

// GRPCHealth mirrors the readiness probe into the standard gRPC health service.
type GRPCHealth struct {
	*health.Server
	readiness ReadyProbe
}

// NewGRPCServer returns a server exposing grpc.health.v1 for serviceName and "".
func NewGRPCServer(readiness ReadyProbe) (*grpc.Server, *GRPCHealth) {
	srv := grpc.NewServer()
	h := &GRPCHealth{Server: health.NewServer(), readiness: readiness}
	healthpb.RegisterHealthServer(srv, h.Server)
	reflection.Register(srv)
	return srv, h
}

// Refresh runs the probe once and publishes the resulting serving status.
func (h *GRPCHealth) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Logger().Warn().Err(err).Msg("readiness probe failed")
	}
	obs.SetReady(ok)
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
	return ok
}

// Run refreshes the status every interval until ctx ends, then marks the service down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval/2)
			h.Refresh(probeCtx)
			cancel()
		}
	}
}
