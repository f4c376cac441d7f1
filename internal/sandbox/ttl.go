package sandbox

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically reaps
// sandboxes whose jobs finished or stalled long ago. Sandboxes are owned by
// exactly one job for the job's lifetime; the sweeper is the backstop for
// jobs that crashed before cleanup.
func StartTTLWorker(ctx context.Context, mgr Manager, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox TTL worker started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reaped, err := mgr.ReapExpired(ctx, ttl)
				if err != nil {
					slog.Error("Sandbox TTL sweep failed", "error", err)
					continue
				}
				if reaped > 0 {
					slog.Info("Sandbox TTL sweep completed", "reaped", reaped)
				}
			case <-ctx.Done():
				slog.Info("Sandbox TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
