package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"semaphore/offline/internal/config"
	"semaphore/offline/internal/db"
	canonicalgrpc "semaphore/offline/internal/grpc"
	internalhttp "semaphore/offline/internal/http"
	"semaphore/offline/internal/jobs"
	"semaphore/offline/internal/logging"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/reconcile"
)

func main() {
	cfg := config.Load()

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	store := db.NewPGStore(pool)
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("db migration failed", zap.Error(err))
	}

	m := metrics.New()
	opts := []reconcile.Option{reconcile.WithLogger(logger), reconcile.WithMetrics(m)}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		opts = append(opts, reconcile.WithLease(reconcile.NewRedisLease(redisClient, cfg.SyncLeaseTTL)))
	}

	reconciler := reconcile.New(store, opts...)
	server := internalhttp.NewServer(cfg, store, reconciler, logger, m)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	health := canonicalgrpc.NewHealth(store, logger)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(canonicalgrpc.NewLoggingUnaryInterceptor(logger)))
	health.Register(grpcServer)
	health.Start(ctx, 5*time.Second)

	jobs.StartSessionExpiryJob(ctx, cfg, store, logger)

	go func() {
		logger.Info("canonical http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen error", zap.Error(err))
		}
		logger.Info("canonical grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("grpc server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
}
