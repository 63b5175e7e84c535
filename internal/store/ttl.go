package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when StartTTLWorker is given a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// CleanupCallback is called after a sweep that removed runs.
type CleanupCallback func(deleted int64)

// StartTTLWorker runs a background goroutine that periodically removes
// finished runs not touched within ttl. A non-positive ttl disables the worker.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if ttl <= 0 {
		slog.Info("TTL worker disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredRuns(ctx, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredRuns(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback) {
	deleted, err := repo.CleanupExpired(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during cleanup", "error", err)
			return
		}
		slog.Error("TTL worker failed to clean up expired runs", "error", err)
		return
	}
	if deleted == 0 {
		return
	}
	slog.Info("TTL worker cleaned up expired runs", "count", deleted)
	if onCleanup != nil {
		onCleanup(deleted)
	}
}
