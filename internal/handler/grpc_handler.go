package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "esign.Orchestrator"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHandler exposes the gRPC health service. Its status follows the
// database.
type GRPCHandler struct {
	health *health.Server
	db     Pinger
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(db Pinger, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		health: health.NewServer(),
		db:     db,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// NewServer builds a gRPC server with logging and the health and reflection
// services registered.
func (h *GRPCHandler) NewServer() *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(h.logUnary))
	healthpb.RegisterHealthServer(srv, h.health)
	reflection.Register(srv)
	return srv
}

// CheckHealth pings the database and updates the served status.
func (h *GRPCHandler) CheckHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Database health check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
	return st
}

// WatchHealth runs CheckHealth every interval until ctx is done.
func (h *GRPCHandler) WatchHealth(ctx context.Context, interval time.Duration) {
	h.CheckHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckHealth(ctx)
		}
	}
}

// Shutdown marks every service as not serving.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

func (h *GRPCHandler) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	evt := h.logger.Debug()
	if err != nil {
		evt = h.logger.Warn().Err(err)
	}
	evt.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")

	return resp, err
}
