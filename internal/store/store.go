// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
)

// CreateSessionParams carries the caller-supplied fields of a new session.
type CreateSessionParams struct {
	UserID  string
	Context string
	Title   string
}

// IdleSession is the projection returned by idle-session sweeps.
type IdleSession struct {
	ID        string
	UserID    string
	Title     string
	UpdatedAt time.Time
}

// Checkpoint is the last auto-saved copy of a session's content.
type Checkpoint struct {
	SessionID        string
	Title            string
	CurrentStep      string
	Messages         []domain.Message
	Data             domain.CollectedData
	ContentUpdatedAt time.Time
}

// SessionRepository persists conversation sessions.
type SessionRepository interface {
	// CreateSession allocates a new active session with an empty log.
	CreateSession(ctx context.Context, params CreateSessionParams) (*domain.Session, error)

	// GetSession loads one session; unknown ids yield a not_found error.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetSessions loads many sessions in one query. Unknown ids are absent from the map.
	GetSessions(ctx context.Context, sessionIDs []string) (map[string]*domain.Session, error)

	// SaveSession upserts a session. updated_at moves only when content changed;
	// a stale Version yields a conflict error.
	SaveSession(ctx context.Context, session *domain.Session) error

	// ListSessionsByUser returns the user's sessions, most recently updated first.
	ListSessionsByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error)

	// DeleteSession removes a session together with its drafts and checkpoint.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListActiveOlderThan returns ids of active or paused sessions idle for longer than d.
	ListActiveOlderThan(ctx context.Context, d time.Duration, limit int) ([]string, error)

	// BatchAbandon marks sessions abandoned, deletes their drafts and returns the
	// ids it actually abandoned. When idleFor is positive only sessions still idle
	// for that long are touched.
	BatchAbandon(ctx context.Context, sessionIDs []string, reason string, idleFor time.Duration) ([]string, error)

	// ListDirty returns active sessions whose content changed since their last
	// checkpoint and has been quiet for at least grace.
	ListDirty(ctx context.Context, grace time.Duration, limit int) ([]string, error)

	// Checkpoint copies the session's current content into its checkpoint row.
	Checkpoint(ctx context.Context, sessionID string) error

	// GetCheckpoint returns the last checkpoint of a session.
	GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)

	// ListIdleUnwarned returns sessions idle for longer than d that have not been
	// warned since their last content change.
	ListIdleUnwarned(ctx context.Context, d time.Duration, limit int) ([]IdleSession, error)

	// MarkWarned records that an idle warning went out.
	MarkWarned(ctx context.Context, sessionIDs []string) error
}

// DraftRepository persists per-lesson drafts.
type DraftRepository interface {
	UpsertDraft(ctx context.Context, draft *domain.LessonDraft) error
	GetDraft(ctx context.Context, sessionID, sectionID, lessonID string) (*domain.LessonDraft, error)
	ListDrafts(ctx context.Context, sessionID string) ([]*domain.LessonDraft, error)
	DeleteDraft(ctx context.Context, sessionID, sectionID, lessonID string) error
	DeleteSectionDrafts(ctx context.Context, sessionID, sectionID string) (int64, error)
	DeleteSessionDrafts(ctx context.Context, sessionID string) (int64, error)
}

// Repository is the full persistence surface.
type Repository interface {
	SessionRepository
	DraftRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
