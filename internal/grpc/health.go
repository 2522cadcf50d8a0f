package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Pinger reports whether a backing dependency is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health serves grpc.health.v1 for the canonical service. The overall status
// follows the store: devices treat NOT_SERVING as Canonical unreachable.
type Health struct {
	server *health.Server
	store  Pinger
	logger *zap.Logger
}

func NewHealth(store Pinger, logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{server: health.NewServer(), store: store, logger: logger}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Check pings the store once and publishes the resulting status.
func (h *Health) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("store ping failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", st)
	return st
}

// Start checks immediately and then every interval until ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, interval)
				h.Check(tickCtx)
				cancel()
			}
		}
	}()
}

// Shutdown marks every service NOT_SERVING so probes fail over before the
// listener goes away.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

// NewLoggingUnaryInterceptor logs failed calls and turns panics into
// codes.Internal.
func NewLoggingUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
				err = status.Error(codes.Internal, "internal")
			}
			if err != nil {
				logger.Warn("grpc call failed",
					zap.String("method", info.FullMethod),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err),
				)
			}
		}()
		return handler(ctx, req)
	}
}
