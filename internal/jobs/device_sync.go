package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
	"semaphore/offline/internal/selector"
)

// Syncer is the part of the selector the device loop drives.
type Syncer interface {
	Initialize(ctx context.Context) model.TransportState
	SyncAll(ctx context.Context) (selector.SyncReport, error)
}

// StartDeviceSyncJob re-probes transports every interval and drains the
// pending queue whenever Canonical is the selected transport. The returned
// channel closes when the loop exits.
func StartDeviceSyncJob(ctx context.Context, interval time.Duration, s Syncer, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, interval)
				runDeviceSync(tickCtx, s, logger)
				cancel()
			}
		}
	}()
	return done
}

func runDeviceSync(ctx context.Context, s Syncer, logger *zap.Logger) {
	state := s.Initialize(ctx)
	if state.Current != model.TransportCanonical {
		return
	}
	report, err := s.SyncAll(ctx)
	if err != nil {
		logger.Warn("device sync failed", zap.Error(err))
		return
	}
	if perr := report.Err(); perr != nil {
		logger.Warn("device sync incomplete", zap.Int("failed", report.Failed), zap.Any("errors", report.Errors))
	}
}
