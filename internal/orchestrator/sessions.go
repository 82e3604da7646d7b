package orchestrator

import (
	"context"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/store"
)

// CreateSession starts a new conversation for userID.
func (o *Orchestrator) CreateSession(ctx context.Context, userID, contextTag, title string) (*domain.Session, error) {
	if contextTag == "" {
		contextTag = domain.ContextNewCourse
	}
	sess, err := o.repo.CreateSession(ctx, store.CreateSessionParams{UserID: userID, Context: contextTag, Title: title})
	if err != nil {
		return nil, err
	}
	o.logger.Info("Session created", "session_id", sess.ID, "user_id", userID, "context", contextTag)
	return sess, nil
}

// Session loads a session and checks that userID owns it.
func (o *Orchestrator) Session(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.Validation("orchestrator.Session", "session id is required")
	}
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(userID) {
		return nil, domain.Permission("orchestrator.Session", "session belongs to another user")
	}
	return sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	return o.repo.ListSessionsByUser(ctx, userID, limit, offset)
}

// DeleteSession removes an owned session with its drafts.
func (o *Orchestrator) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := o.Session(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := o.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	o.logger.Info("Session deleted", "session_id", sessionID, "user_id", userID)
	return nil
}

// ClearMessages empties the conversation log but keeps the outline.
func (o *Orchestrator) ClearMessages(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return o.mutate(ctx, userID, sessionID, func(sess *domain.Session) error {
		if sess.Terminal() {
			return domain.Validation("orchestrator.ClearMessages", "session is "+string(sess.State))
		}
		sess.ClearMessages(o.now())
		return nil
	})
}

// Pause parks an active session.
func (o *Orchestrator) Pause(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return o.mutate(ctx, userID, sessionID, func(sess *domain.Session) error {
		return sess.Transition(domain.StatePaused, "paused by user", o.now())
	})
}

// Resume reactivates a paused session.
func (o *Orchestrator) Resume(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return o.mutate(ctx, userID, sessionID, func(sess *domain.Session) error {
		return sess.Transition(domain.StateActive, "resumed by user", o.now())
	})
}

// Rename sets the session title.
func (o *Orchestrator) Rename(ctx context.Context, userID, sessionID, title string) (*domain.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.Validation("orchestrator.Rename", "title is required")
	}
	return o.mutate(ctx, userID, sessionID, func(sess *domain.Session) error {
		sess.SetTitle(title, o.now())
		return nil
	})
}

func (o *Orchestrator) mutate(ctx context.Context, userID, sessionID string, fn func(*domain.Session) error) (*domain.Session, error) {
	sess, err := o.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := o.repo.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
