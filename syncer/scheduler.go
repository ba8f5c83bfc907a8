package syncer

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	dbpkg "github.com/subvertigo/rolebridge/db"
)

// ErrCycleInProgress is returned by TriggerNow when a cycle is already
// running. Concurrent cycles would race read-then-write role mutations and
// could double-toggle a role, so they are rejected rather than queued.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// Scheduler runs the engine on a fixed period and on demand, guaranteeing at
// most one cycle executes at a time.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	// DB, when set, records cycle heartbeats in the kv table for /status.
	DB *sql.DB

	mu sync.Mutex
}

// Start blocks running the periodic loop until ctx is cancelled. The first
// cycle runs immediately so a restart doesn't wait a full period.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	slog.Info("sync scheduler starting", slog.Duration("interval", interval), slog.String("component", "syncer"))

	s.runScheduled(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped", slog.String("component", "syncer"))
			return
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.TriggerNow(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		slog.Warn("scheduled reconciliation failed", slog.Any("err", err), slog.String("component", "syncer"))
	}
}

// TriggerNow runs one cycle and returns its mutation count. A trigger that
// arrives while a cycle is in flight is rejected with ErrCycleInProgress.
func (s *Scheduler) TriggerNow(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		return 0, ErrCycleInProgress
	}
	defer s.mu.Unlock()

	mutations, err := s.Engine.RunOnce(ctx)
	s.recordHeartbeat(ctx, err)
	return mutations, err
}

// TriggerAsync kicks a cycle without waiting for its result, used after
// link/unlink so role changes land promptly. An in-flight cycle makes it a
// no-op; the change is picked up by the next periodic run.
func (s *Scheduler) TriggerAsync(ctx context.Context) {
	go func() {
		if _, err := s.TriggerNow(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			slog.Warn("async reconciliation failed", slog.Any("err", err), slog.String("component", "syncer"))
		}
	}()
}

func (s *Scheduler) recordHeartbeat(ctx context.Context, runErr error) {
	if s.DB == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := dbpkg.SetKV(ctx, s.DB, "sync_last_run", now); err != nil {
		slog.Debug("heartbeat write failed", slog.Any("err", err), slog.String("component", "syncer"))
		return
	}
	result := "ok"
	if runErr != nil {
		result = runErr.Error()
	}
	if err := dbpkg.SetKV(ctx, s.DB, "sync_last_result", result); err != nil {
		slog.Debug("heartbeat write failed", slog.Any("err", err), slog.String("component", "syncer"))
	}
}
