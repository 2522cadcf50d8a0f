package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/config"
)

// SessionDeactivator flips sessions past their expiry to inactive.
type SessionDeactivator interface {
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// StartSessionExpiryJob periodically deactivates expired canonical sessions
// until ctx is done.
func StartSessionExpiryJob(ctx context.Context, cfg config.Config, store SessionDeactivator, logger *zap.Logger) {
	if !cfg.SessionExpiryJobEnabled {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		logger.Warn("session expiry job disabled: store not configured")
		return
	}
	interval := cfg.SessionExpiryJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := interval
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				n, err := store.DeactivateExpiredSessions(tickCtx, time.Now().UTC())
				cancel()
				if err != nil {
					logger.Error("session expiry job error", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("session expiry job deactivated sessions", zap.Int64("count", n))
				}
			}
		}
	}()
}
