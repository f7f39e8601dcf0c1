package actor

import (
	"context"
	"log/slog"
	"time"
)

// StaleIdentityLister returns actor URIs of remote identities whose
// fetched_at is older than `before`, for the resync loop to re-resolve.
type StaleIdentityLister func(ctx context.Context, before time.Time) ([]string, error)

// Resync periodically re-fetches remote actors whose cached copy is older
// than interval, keeping profile edits, key rotations, and moved-account
// markers from going unnoticed indefinitely.
func Resync(ctx context.Context, r *Resolver, list StaleIdentityLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uris, err := list(ctx, time.Now().Add(-interval))
			if err != nil {
				slog.Error("actor resync: list stale identities failed", "error", err)
				continue
			}
			for _, uri := range uris {
				r.Invalidate(uri)
				if _, err := r.FetchActor(ctx, uri); err != nil {
					slog.Debug("actor resync: refetch failed", "actor", uri, "error", err)
				}
			}
			if len(uris) > 0 {
				slog.Info("actor resync cycle complete", "refetched", len(uris))
			}
		}
	}
}
