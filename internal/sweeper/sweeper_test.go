package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/notify"
	"github.com/ashureev/coursecraft/internal/store"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRepo(t *testing.T) (*store.SQLStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sweeper.db"), store.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, c
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []notify.Event
	users   []string
	offline bool
}

func (p *recordingPublisher) Publish(_ context.Context, userID, _ string, ev notify.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.users = append(p.users, userID)
	if p.offline {
		return 0
	}
	return 1
}

func (p *recordingPublisher) ofType(typ string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// flakyRepo fails the first n checkpoints of a session with a lock error.
type flakyRepo struct {
	store.SessionRepository
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	hard     map[string]bool
}

func (f *flakyRepo) Checkpoint(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls[id]++
	if f.hard[id] {
		f.mu.Unlock()
		return errors.New("disk I/O error")
	}
	if f.failures[id] > 0 {
		f.failures[id]--
		f.mu.Unlock()
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	f.mu.Unlock()
	return f.SessionRepository.Checkpoint(ctx, id)
}

// touchingRepo saves a user turn on every candidate right before abandoning,
// as if the owner came back between the listing and the update.
type touchingRepo struct {
	store.SessionRepository
	now func() time.Time
}

func (r *touchingRepo) BatchAbandon(ctx context.Context, ids []string, reason string, idleFor time.Duration) ([]string, error) {
	for _, id := range ids {
		sess, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sess.AppendMessage(domain.RoleUser, "back again", r.now())
		if err := r.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return r.SessionRepository.BatchAbandon(ctx, ids, reason, idleFor)
}

func TestAutoSaverCheckpointsDirtySessions(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()

	a, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	_, err = repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u2"})
	require.NoError(t, err)

	saver := NewAutoSaver(repo, AutoSaveConfig{Grace: 5 * time.Second})
	saved, failed := saver.RunOnce(ctx)
	require.Zero(t, saved, "sessions inside the grace window are skipped")
	require.Zero(t, failed)

	c.Advance(10 * time.Second)
	saved, failed = saver.RunOnce(ctx)
	require.Equal(t, 2, saved)
	require.Zero(t, failed)

	cp, err := repo.GetCheckpoint(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Title, cp.Title)

	saved, _ = saver.RunOnce(ctx)
	require.Zero(t, saved, "checkpointed sessions are clean")
}

func TestAutoSaverRetriesTransientErrorsAndContinues(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()

	flakySess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	brokenSess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	c.Advance(time.Minute)

	flaky := &flakyRepo{
		SessionRepository: repo,
		failures:          map[string]int{flakySess.ID: 2},
		calls:             map[string]int{},
		hard:              map[string]bool{brokenSess.ID: true},
	}
	saver := NewAutoSaver(flaky, AutoSaveConfig{Grace: time.Second, RetryDelay: time.Millisecond})

	saved, failed := saver.RunOnce(ctx)
	require.Equal(t, 1, saved)
	require.Equal(t, 1, failed)
	require.Equal(t, 3, flaky.calls[flakySess.ID])
	require.Equal(t, 1, flaky.calls[brokenSess.ID], "non-transient errors are not retried")
}

func TestAutoSaverRetriesAfterFirstAttempt(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	c.Advance(time.Minute)

	flaky := &flakyRepo{
		SessionRepository: repo,
		failures:          map[string]int{sess.ID: 3},
		calls:             map[string]int{},
		hard:              map[string]bool{},
	}
	saver := NewAutoSaver(flaky, AutoSaveConfig{Grace: time.Second, Retries: 3, RetryDelay: time.Millisecond})

	saved, failed := saver.RunOnce(ctx)
	require.Equal(t, 1, saved, "three retries follow the first attempt")
	require.Zero(t, failed)
	require.Equal(t, 4, flaky.calls[sess.ID])
}

func TestTimeoutMonitorWarnsOnceThenAbandons(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()
	pub := &recordingPublisher{}

	sess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1", Title: "Rust intro"})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertDraft(ctx, &domain.LessonDraft{SessionID: sess.ID, SectionID: "0", LessonID: "0", Content: "x"}))

	mon := NewTimeoutMonitor(repo, pub, TimeoutConfig{WarnAfter: 25 * time.Minute, HardAfter: 30 * time.Minute})

	c.Advance(26 * time.Minute)
	warned, abandoned := mon.RunOnce(ctx)
	require.Equal(t, 1, warned)
	require.Zero(t, abandoned)

	c.Advance(time.Minute)
	warned, _ = mon.RunOnce(ctx)
	require.Zero(t, warned, "warning is sent once per idle period")
	require.Len(t, pub.ofType(notify.EventTimeoutWarning), 1)

	c.Advance(5 * time.Minute)
	_, abandoned = mon.RunOnce(ctx)
	require.Equal(t, int64(1), abandoned)
	require.Len(t, pub.ofType(notify.EventSessionExpired), 1)

	loaded, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAbandoned, loaded.State)
	require.Equal(t, AbandonReason, loaded.Metadata.StatusReason)

	ids, err := repo.ListActiveOlderThan(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	require.NotContains(t, ids, sess.ID)

	drafts, err := repo.ListDrafts(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, drafts)
}

func TestTimeoutMonitorSparesRecentlyActiveSessions(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	c.Advance(29 * time.Minute)
	sess.AppendMessage(domain.RoleUser, "still here", c.Now())
	require.NoError(t, repo.SaveSession(ctx, sess))
	c.Advance(2 * time.Minute)

	mon := NewTimeoutMonitor(repo, nil, TimeoutConfig{})
	_, abandoned := mon.RunOnce(ctx)
	require.Zero(t, abandoned)

	loaded, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, loaded.State)
}

func TestTimeoutMonitorDoesNotExpireSessionTouchedDuringSweep(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()
	pub := &recordingPublisher{}

	sess, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	c.Advance(31 * time.Minute)

	mon := NewTimeoutMonitor(&touchingRepo{SessionRepository: repo, now: c.Now}, pub, TimeoutConfig{})
	_, abandoned := mon.RunOnce(ctx)
	require.Zero(t, abandoned)
	require.Empty(t, pub.ofType(notify.EventSessionExpired))

	loaded, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, loaded.State)
}

func TestTimeoutMonitorWarnsOnlyWhenDelivered(t *testing.T) {
	repo, c := newRepo(t)
	ctx := context.Background()

	_, err := repo.CreateSession(ctx, store.CreateSessionParams{UserID: "u1"})
	require.NoError(t, err)
	c.Advance(26 * time.Minute)
	cfg := TimeoutConfig{WarnAfter: 25 * time.Minute, HardAfter: 30 * time.Minute}

	warned, _ := NewTimeoutMonitor(repo, nil, cfg).RunOnce(ctx)
	require.Zero(t, warned, "no publisher means nobody was warned")

	offline := &recordingPublisher{offline: true}
	warned, _ = NewTimeoutMonitor(repo, offline, cfg).RunOnce(ctx)
	require.Zero(t, warned, "no connected device received the warning")
	require.Len(t, offline.ofType(notify.EventTimeoutWarning), 1)

	online := &recordingPublisher{}
	warned, _ = NewTimeoutMonitor(repo, online, cfg).RunOnce(ctx)
	require.Equal(t, 1, warned)
	require.Len(t, online.ofType(notify.EventTimeoutWarning), 1)

	warned, _ = NewTimeoutMonitor(repo, online, cfg).RunOnce(ctx)
	require.Zero(t, warned)
}

func TestNewTimeoutMonitorFixesInvertedThresholds(t *testing.T) {
	mon := NewTimeoutMonitor(nil, nil, TimeoutConfig{WarnAfter: time.Hour, HardAfter: 30 * time.Minute})
	require.Equal(t, 25*time.Minute, mon.cfg.WarnAfter)
}
