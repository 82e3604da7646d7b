package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/coursecraft/internal/notify"
	"github.com/ashureev/coursecraft/internal/store"
)

// AbandonReason is recorded on sessions closed by the idle sweep.
const AbandonReason = "idle timeout"

// TimeoutConfig tunes the idle-timeout worker.
type TimeoutConfig struct {
	Interval  time.Duration
	WarnAfter time.Duration
	HardAfter time.Duration
	BatchSize int
}

// DefaultTimeoutConfig returns the defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Interval:  time.Minute,
		WarnAfter: 25 * time.Minute,
		HardAfter: 30 * time.Minute,
		BatchSize: 100,
	}
}

// TimeoutMonitor warns owners of idle sessions and abandons the ones that
// stay idle past the hard limit.
type TimeoutMonitor struct {
	repo      store.SessionRepository
	publisher notify.Publisher
	cfg       TimeoutConfig
}

// NewTimeoutMonitor creates a monitor. With a nil publisher it only abandons.
func NewTimeoutMonitor(repo store.SessionRepository, publisher notify.Publisher, cfg TimeoutConfig) *TimeoutMonitor {
	def := DefaultTimeoutConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HardAfter <= 0 {
		cfg.HardAfter = def.HardAfter
	}
	if cfg.WarnAfter <= 0 || cfg.WarnAfter >= cfg.HardAfter {
		cfg.WarnAfter = cfg.HardAfter * 5 / 6
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &TimeoutMonitor{repo: repo, publisher: publisher, cfg: cfg}
}

// Start runs the monitor until ctx is cancelled.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Timeout monitor started", "interval", m.cfg.Interval, "warn_after", m.cfg.WarnAfter, "hard_after", m.cfg.HardAfter)

		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("Timeout monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// RunOnce abandons hard-idle sessions, then warns the ones nearing the limit.
func (m *TimeoutMonitor) RunOnce(ctx context.Context) (warned int, abandoned int64) {
	abandoned = m.abandonIdle(ctx)
	warned = m.warnIdle(ctx)
	return warned, abandoned
}

func (m *TimeoutMonitor) abandonIdle(ctx context.Context) int64 {
	ids, err := m.repo.ListActiveOlderThan(ctx, m.cfg.HardAfter, m.cfg.BatchSize)
	if err != nil {
		slog.Error("Timeout monitor failed to list idle sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	// Owners are looked up first so they can be told their session closed.
	owners, err := m.repo.GetSessions(ctx, ids)
	if err != nil {
		slog.Warn("Timeout monitor failed to load idle session owners", "error", err)
	}

	abandoned, err := m.repo.BatchAbandon(ctx, ids, AbandonReason, m.cfg.HardAfter)
	if err != nil {
		slog.Error("Timeout monitor failed to abandon sessions", "error", err, "count", len(ids))
		return 0
	}
	slog.Info("Timeout monitor abandoned idle sessions", "abandoned", len(abandoned), "candidates", len(ids))

	// Sessions touched since the listing survive the update and get no notice.
	if m.publisher != nil {
		for _, id := range abandoned {
			if sess, ok := owners[id]; ok {
				m.publisher.Publish(ctx, sess.UserID, "", notify.Event{
					Type:      notify.EventSessionExpired,
					SessionID: id,
					Payload:   map[string]any{"reason": AbandonReason},
				})
			}
		}
	}
	return int64(len(abandoned))
}

// warnIdle only stamps sessions whose owner was reached, so an unheard
// warning is retried on a later pass.
func (m *TimeoutMonitor) warnIdle(ctx context.Context) int {
	if m.publisher == nil {
		return 0
	}
	idle, err := m.repo.ListIdleUnwarned(ctx, m.cfg.WarnAfter, m.cfg.BatchSize)
	if err != nil {
		slog.Error("Timeout monitor failed to list sessions to warn", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	ids := make([]string, 0, len(idle))
	for _, s := range idle {
		expiresAt := s.UpdatedAt.Add(m.cfg.HardAfter)
		delivered := m.publisher.Publish(ctx, s.UserID, "", notify.Event{
			Type:      notify.EventTimeoutWarning,
			SessionID: s.ID,
			Payload: map[string]any{
				"title":      s.Title,
				"expires_at": expiresAt.UTC(),
			},
		})
		if delivered > 0 {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}

	if err := m.repo.MarkWarned(ctx, ids); err != nil {
		slog.Warn("Timeout monitor failed to record warnings", "error", err, "count", len(ids))
	}
	return len(ids)
}
