// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SyncCycles           prometheus.Counter
	SyncCyclesFailed     prometheus.Counter
	RolesAdded           prometheus.Counter
	RolesRemoved         prometheus.Counter
	IdentitiesSkipped    prometheus.Counter
	TokenRefreshes       prometheus.Counter
	TokenRefreshFailures prometheus.Counter

	// Histograms (seconds)
	SyncCycleDuration prometheus.Observer

	// Gauges
	LinkedIdentitiesGauge prometheus.Gauge
	AuthorizedGauge       prometheus.Gauge // 1=authorized,0=reauth required
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_sync_cycles_total", Help: "Number of reconciliation cycles started"})
		SyncCyclesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_sync_cycles_failed_total", Help: "Number of reconciliation cycles aborted before completion"})
		RolesAdded = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_roles_added_total", Help: "Number of Discord roles added by reconciliation"})
		RolesRemoved = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_roles_removed_total", Help: "Number of Discord roles removed by reconciliation"})
		IdentitiesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_identities_skipped_total", Help: "Number of linked identities skipped due to per-identity failures"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_token_refreshes_total", Help: "Number of successful OAuth token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "rolebridge_token_refresh_failures_total", Help: "Number of rejected OAuth token refreshes"})
		SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rolebridge_sync_cycle_duration_seconds", Help: "Reconciliation cycle duration seconds", Buckets: prometheus.DefBuckets})
		LinkedIdentitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rolebridge_linked_identities", Help: "Current number of linked identities"})
		AuthorizedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rolebridge_authorized", Help: "Twitch session authorized=1 reauth required=0"})
	})
}

// The Inc/Set helpers are nil-safe so packages can record metrics without
// caring whether Init ran (it doesn't in most unit tests).

func IncSyncCycles() {
	if SyncCycles != nil {
		SyncCycles.Inc()
	}
}

func IncSyncCyclesFailed() {
	if SyncCyclesFailed != nil {
		SyncCyclesFailed.Inc()
	}
}

func IncRolesAdded() {
	if RolesAdded != nil {
		RolesAdded.Inc()
	}
}

func IncRolesRemoved() {
	if RolesRemoved != nil {
		RolesRemoved.Inc()
	}
}

func IncIdentitiesSkipped() {
	if IdentitiesSkipped != nil {
		IdentitiesSkipped.Inc()
	}
}

func IncTokenRefreshes() {
	if TokenRefreshes != nil {
		TokenRefreshes.Inc()
	}
}

func IncTokenRefreshFailures() {
	if TokenRefreshFailures != nil {
		TokenRefreshFailures.Inc()
	}
}

// SetLinkedIdentities records the size of the identity map seen by the last cycle.
func SetLinkedIdentities(n int) {
	if LinkedIdentitiesGauge != nil {
		LinkedIdentitiesGauge.Set(float64(n))
	}
}

// SetAuthorized sets the session gauge to 1 if authorized else 0.
func SetAuthorized(ok bool) {
	if AuthorizedGauge != nil {
		if ok {
			AuthorizedGauge.Set(1)
		} else {
			AuthorizedGauge.Set(0)
		}
	}
}

// ObserveSyncCycleDuration records one cycle's wall time.
func ObserveSyncCycleDuration(d time.Duration) {
	if SyncCycleDuration != nil {
		SyncCycleDuration.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
