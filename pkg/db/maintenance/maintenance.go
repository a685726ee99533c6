// Package maintenance runs the startup and periodic housekeeping of the
// offline database.
package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// Orphaner removes half-written packs.
type Orphaner interface {
	RemoveOrphans(ctx context.Context) (int64, error)
}

// Pruner drops persisted cache entries older than a retention window.
type Pruner interface {
	PruneCache(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Report summarizes one maintenance pass.
type Report struct {
	OrphansRemoved int64
	CacheRemoved   int64
}

// Run removes orphaned pack rows and prunes stale cache entries. Failures are
// logged and do not stop startup; the first error is returned for callers that
// care.
func Run(ctx context.Context, s Orphaner, p Pruner, retention time.Duration) (Report, error) {
	slog.Info("Starting database maintenance...")
	var rep Report
	var firstErr error

	n, err := s.RemoveOrphans(ctx)
	if err != nil {
		slog.Error("Orphan cleanup failed", "error", err)
		firstErr = err
	} else {
		rep.OrphansRemoved = n
		if n > 0 {
			slog.Warn("Removed orphaned pack rows", "count", n)
		}
	}

	if retention > 0 {
		n, err = p.PruneCache(ctx, retention)
		if err != nil {
			slog.Error("Cache pruning failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			rep.CacheRemoved = n
			slog.Info("Cache pruning completed", "removed", n, "retention", retention)
		}
	}

	return rep, firstErr
}

// Schedule repeats Run every interval until ctx is done.
func Schedule(ctx context.Context, interval time.Duration, s Orphaner, p Pruner, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = Run(ctx, s, p, retention)
		}
	}
}
