// Package sweeper runs the periodic auto-save and idle-timeout workers.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/coursecraft/internal/shared"
	"github.com/ashureev/coursecraft/internal/store"
	"golang.org/x/sync/errgroup"
)

// AutoSaveConfig tunes the auto-save worker. Retries counts the attempts
// made after the first transient checkpoint failure.
type AutoSaveConfig struct {
	Interval    time.Duration
	Grace       time.Duration
	BatchSize   int
	Concurrency int
	Retries     int
	RetryDelay  time.Duration
}

// DefaultAutoSaveConfig returns the defaults.
func DefaultAutoSaveConfig() AutoSaveConfig {
	return AutoSaveConfig{
		Interval:    30 * time.Second,
		Grace:       5 * time.Second,
		BatchSize:   50,
		Concurrency: 4,
		Retries:     3,
		RetryDelay:  100 * time.Millisecond,
	}
}

// AutoSaver checkpoints sessions whose content changed since the last run.
type AutoSaver struct {
	repo store.SessionRepository
	cfg  AutoSaveConfig
}

// NewAutoSaver creates an AutoSaver.
func NewAutoSaver(repo store.SessionRepository, cfg AutoSaveConfig) *AutoSaver {
	def := DefaultAutoSaveConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &AutoSaver{repo: repo, cfg: cfg}
}

// Start runs the worker until ctx is cancelled.
func (a *AutoSaver) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Auto-save worker started", "interval", a.cfg.Interval, "grace", a.cfg.Grace)

		for {
			select {
			case <-ticker.C:
				a.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("Auto-save worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// RunOnce checkpoints one batch of dirty sessions. Per-session failures are
// logged and do not stop the batch.
func (a *AutoSaver) RunOnce(ctx context.Context) (saved, failed int) {
	ids, err := a.repo.ListDirty(ctx, a.cfg.Grace, a.cfg.BatchSize)
	if err != nil {
		slog.Error("Auto-save worker failed to list dirty sessions", "error", err)
		return 0, 0
	}
	if len(ids) == 0 {
		return 0, 0
	}

	var okCount, failCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := shared.Retry(gctx, "autosave.Checkpoint", a.cfg.Retries+1, a.cfg.RetryDelay, func(ctx context.Context) error {
				return a.repo.Checkpoint(ctx, id)
			})
			if err != nil {
				failCount.Add(1)
				slog.Warn("Auto-save worker failed to checkpoint session", "session_id", id, "error", err)
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	saved, failed = int(okCount.Load()), int(failCount.Load())
	slog.Info("Auto-save worker batch completed", "saved", saved, "failed", failed)
	return saved, failed
}
