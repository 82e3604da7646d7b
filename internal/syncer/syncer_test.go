package syncer

import (
	"context"
	"path/filepath"
	"strconv"
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

type published struct {
	user, skip string
	ev         notify.Event
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(_ context.Context, userID, skip string, ev notify.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{userID, skip, ev})
	return 1
}

func setup(t *testing.T, policy Policy) (*Coordinator, *store.SQLStore, *clock, *recordingPublisher) {
	t.Helper()
	c := &clock{now: time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)}
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"), store.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	pub := &recordingPublisher{}
	coord := NewCoordinator(repo, pub, policy)
	coord.SetClock(c.Now)
	return coord, repo, c, pub
}

func newSession(t *testing.T, repo *store.SQLStore) *domain.Session {
	t.Helper()
	sess, err := repo.CreateSession(context.Background(), store.CreateSessionParams{UserID: "u1", Context: domain.ContextNewCourse})
	require.NoError(t, err)
	return sess
}

func ptr(s string) *string { return &s }

// serverRename simulates another device renaming the session.
func serverRename(t *testing.T, repo *store.SQLStore, c *clock, id, title string) {
	t.Helper()
	c.Advance(time.Minute)
	sess, err := repo.GetSession(context.Background(), id)
	require.NoError(t, err)
	sess.SetTitle(title, c.Now())
	require.NoError(t, repo.SaveSession(context.Background(), sess))
}

func TestSyncInSync(t *testing.T) {
	coord, repo, _, pub := setup(t, PolicyServerWins)
	sess := newSession(t, repo)

	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", DeviceID: "laptop", SessionID: sess.ID,
		BaseUpdatedAt: sess.UpdatedAt.UnixMilli(),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeInSync, res.Outcome)
	require.Empty(t, res.Applied)
	require.Empty(t, pub.out)
}

func TestSyncServerWinsWithoutClientChanges(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyServerWins)
	sess := newSession(t, repo)
	base := sess.UpdatedAt.UnixMilli()
	serverRename(t, repo, c, sess.ID, "Go Basics")

	res, err := coord.Sync(context.Background(), Request{UserID: "u1", SessionID: sess.ID, BaseUpdatedAt: base})
	require.NoError(t, err)
	require.Equal(t, OutcomeServerWins, res.Outcome)
	require.Equal(t, "Go Basics", res.Session.Title)
}

func TestSyncClientApplied(t *testing.T) {
	coord, repo, c, pub := setup(t, PolicyServerWins)
	sess := newSession(t, repo)
	c.Advance(time.Second)

	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", DeviceID: "phone", SessionID: sess.ID,
		BaseUpdatedAt:   sess.UpdatedAt.UnixMilli(),
		ClientUpdatedAt: c.Now().UnixMilli(),
		Changes:         Changes{Title: ptr("  Intro to SQL  "), CurrentStep: ptr("outline_review")},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeClientApplied, res.Outcome)
	require.ElementsMatch(t, []string{domain.FieldTitle, domain.FieldStep}, res.Applied)

	loaded, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Intro to SQL", loaded.Title)
	require.Equal(t, "outline_review", loaded.CurrentStep)
	require.Empty(t, loaded.Metadata.SyncConflicts)

	require.Len(t, pub.out, 1)
	require.Equal(t, "u1", pub.out[0].user)
	require.Equal(t, "phone", pub.out[0].skip)
	require.Equal(t, notify.EventSyncUpdate, pub.out[0].ev.Type)
}

func TestSyncUnchangedValuesAreNotEdits(t *testing.T) {
	coord, repo, _, pub := setup(t, PolicyServerWins)
	sess := newSession(t, repo)

	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID,
		BaseUpdatedAt: sess.UpdatedAt.UnixMilli(),
		Changes:       Changes{Title: ptr(sess.Title), CurrentStep: ptr(sess.CurrentStep)},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeInSync, res.Outcome)
	require.Empty(t, pub.out)
}

func TestSyncMergedServerWinsConflict(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyServerWins)
	sess := newSession(t, repo)
	base := sess.UpdatedAt.UnixMilli()
	serverRename(t, repo, c, sess.ID, "Server Title")

	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", DeviceID: "phone", SessionID: sess.ID,
		BaseUpdatedAt:   base,
		ClientUpdatedAt: c.Now().Add(time.Second).UnixMilli(),
		Changes:         Changes{Title: ptr("Client Title"), CurrentStep: ptr("outline_review")},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, []string{domain.FieldStep}, res.Applied)
	require.Equal(t, []string{domain.FieldTitle}, res.Conflicts)

	loaded, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Server Title", loaded.Title)
	require.Equal(t, "outline_review", loaded.CurrentStep)
	require.Len(t, loaded.Metadata.SyncConflicts, 1)
	conflict := loaded.Metadata.SyncConflicts[0]
	require.NotEmpty(t, conflict.ID)
	require.Equal(t, []string{domain.FieldTitle}, conflict.Fields)
	require.Equal(t, string(PolicyServerWins), conflict.Policy)
}

func TestSyncClientWinsPolicy(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyClientWins)
	sess := newSession(t, repo)
	base := sess.UpdatedAt.UnixMilli()
	serverRename(t, repo, c, sess.ID, "Server Title")

	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID,
		BaseUpdatedAt: base,
		Changes:       Changes{Title: ptr("Client Title")},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, []string{domain.FieldTitle}, res.Applied)
	require.Equal(t, "Client Title", res.Session.Title)
}

func TestSyncLatestWinsPolicy(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyLatestWins)
	sess := newSession(t, repo)
	base := sess.UpdatedAt.UnixMilli()
	serverRename(t, repo, c, sess.ID, "Server Title")

	older := c.Now().Add(-30 * time.Second).UnixMilli()
	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID, BaseUpdatedAt: base, ClientUpdatedAt: older,
		Changes: Changes{Title: ptr("Stale Client Title")},
	})
	require.NoError(t, err)
	require.Empty(t, res.Applied)
	require.Equal(t, "Server Title", res.Session.Title)

	newer := c.Now().Add(30 * time.Second).UnixMilli()
	res, err = coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID, BaseUpdatedAt: base, ClientUpdatedAt: newer,
		Changes: Changes{Title: ptr("Fresh Client Title")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{domain.FieldTitle}, res.Applied)
	require.Equal(t, "Fresh Client Title", res.Session.Title)
}

func TestSyncOutlineChange(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyServerWins)
	sess := newSession(t, repo)
	c.Advance(time.Second)

	outline := &domain.Outline{
		Title:    "Rust",
		Sections: []domain.Section{{ID: "s1", Title: "Ownership", Lessons: []domain.Lesson{{ID: "l1", Title: "Borrowing"}}}},
	}
	res, err := coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID,
		BaseUpdatedAt: sess.UpdatedAt.UnixMilli(),
		Changes:       Changes{Outline: outline},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeClientApplied, res.Outcome)

	loaded, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Data.Outline)
	require.Equal(t, "Rust", loaded.Data.Outline.Title)
	require.Greater(t, loaded.UpdatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
}

func TestSyncConflictHistoryIsBounded(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyServerWins)
	sess := newSession(t, repo)

	for i := 0; i < MaxConflictRecords+5; i++ {
		current, err := repo.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		base := current.UpdatedAt.UnixMilli()
		serverRename(t, repo, c, sess.ID, "server "+strconv.Itoa(i))
		_, err = coord.Sync(context.Background(), Request{
			UserID: "u1", SessionID: sess.ID, BaseUpdatedAt: base,
			Changes: Changes{Title: ptr("client " + strconv.Itoa(i))},
		})
		require.NoError(t, err)
	}

	loaded, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Metadata.SyncConflicts, MaxConflictRecords)
	seen := map[string]bool{}
	for _, rec := range loaded.Metadata.SyncConflicts {
		require.False(t, seen[rec.ID], "conflict ids must be unique")
		seen[rec.ID] = true
	}
}

func TestSyncRejectsOtherUsersAndTerminalSessions(t *testing.T) {
	coord, repo, c, _ := setup(t, PolicyServerWins)
	sess := newSession(t, repo)

	_, err := coord.Sync(context.Background(), Request{UserID: "intruder", SessionID: sess.ID})
	require.True(t, domain.IsKind(err, domain.KindPermission))

	_, err = coord.Sync(context.Background(), Request{UserID: "u1", SessionID: "missing"})
	require.True(t, domain.IsKind(err, domain.KindNotFound))

	require.NoError(t, sess.Transition(domain.StateAbandoned, "closed", c.Now()))
	require.NoError(t, repo.SaveSession(context.Background(), sess))

	_, err = coord.Sync(context.Background(), Request{
		UserID: "u1", SessionID: sess.ID,
		Changes: Changes{Title: ptr("Too late")},
	})
	require.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestParsePolicy(t *testing.T) {
	require.Equal(t, PolicyServerWins, ParsePolicy(""))
	require.Equal(t, PolicyServerWins, ParsePolicy("bogus"))
	require.Equal(t, PolicyClientWins, ParsePolicy("CLIENT_WINS"))
	require.Equal(t, PolicyLatestWins, ParsePolicy(" latest_wins "))
}
