package auth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically runs the Ensure gate
// so the credential is refreshed proactively even when no reconciliation
// cycle is due. Wake-ups are jittered to avoid synchronizing with the sync
// scheduler. Once the manager is unauthorized the loop keeps polling cheaply;
// CompleteAuthorization resumes normal operation.
func StartRefresher(ctx context.Context, m *Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := m.Ensure(rctx)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, ErrReauthorizationRequired):
				slog.Debug("refresher idle: reauthorization required", slog.String("component", "auth"))
			default:
				slog.Warn("background token ensure failed", slog.Any("err", err), slog.String("component", "auth"))
			}
		}
	}()
}
