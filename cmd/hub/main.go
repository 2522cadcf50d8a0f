package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/config"
	"semaphore/offline/internal/hub"
	"semaphore/offline/internal/logging"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/peer"
)

// The hub binary runs on a coordinator's device: a LocalHub for participants
// on the same network and, when PEER_LISTEN_ADDR is set, a peer coordinator
// answering against the same session state.
func main() {
	cfg := config.Load()

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	h := hub.New(hub.WithLogger(logger), hub.WithMetrics(m))
	defer h.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HubAddr,
		Handler:           hub.NewServer(h, logger, m).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.PeerListenAddr != "" {
		coordinator, err := peer.StartCoordinator(
			peer.TCPNetwork{ListenAddr: cfg.PeerListenAddr, MTU: cfg.PeerMTU},
			peer.Identity{CoordinatorID: cfg.DeviceUserID, CoordinatorName: cfg.DeviceUserName},
			h,
			logger,
		)
		if err != nil {
			logger.Fatal("peer coordinator failed", zap.Error(err))
		}
		defer coordinator.Close()
	}

	go func() {
		logger.Info("local hub listening", zap.String("addr", cfg.HubAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("hub server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
