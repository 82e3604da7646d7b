package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/google/uuid"
)

const sessionColumns = `session_id, user_id, state, context, title, current_step,
	messages_json, collected_json, metadata_json, status_reason,
	tokens_used, cost_accrued, version, created_at, updated_at, completed_at`

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var state, messagesJSON, collectedJSON, metadataJSON, statusReason string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&sess.ID, &sess.UserID, &state, &sess.Context, &sess.Title, &sess.CurrentStep,
		&messagesJSON, &collectedJSON, &metadataJSON, &statusReason,
		&sess.TokensUsed, &sess.CostAccrued, &sess.Version, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	sess.State = domain.State(state)
	if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(collectedJSON), &sess.Data); err != nil {
		return nil, fmt.Errorf("decode collected data of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", sess.ID, err)
	}
	sess.Metadata.StatusReason = statusReason
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		sess.CompletedAt = &t
	}
	sess.ContentHash = sess.Digest()
	return &sess, nil
}

type encodedSession struct {
	messages, collected, metadata string
}

func encodeSession(sess *domain.Session) (encodedSession, error) {
	messages := sess.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	m, err := json.Marshal(messages)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode messages: %w", err)
	}
	c, err := json.Marshal(sess.Data)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode collected data: %w", err)
	}
	md, err := json.Marshal(sess.Metadata)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode metadata: %w", err)
	}
	return encodedSession{messages: string(m), collected: string(c), metadata: string(md)}, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// CreateSession allocates a new active session.
func (s *SQLStore) CreateSession(ctx context.Context, params CreateSessionParams) (*domain.Session, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, domain.Validation("store.CreateSession", "user id is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = domain.DefaultTitle
	}
	now := s.now()
	sess := &domain.Session{
		ID:          uuid.NewString(),
		UserID:      params.UserID,
		State:       domain.StateActive,
		Context:     params.Context,
		Title:       title,
		Data:        domain.CollectedData{Version: domain.CollectedDataVersion},
		CurrentStep: domain.StepInitial,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) insertSession(ctx context.Context, sess *domain.Session) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return domain.Persistence("store.insertSession", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	unlock := s.lockWrites()
	defer unlock()

	_, err = s.exec(ctx, `
		INSERT INTO course_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.State), sess.Context, sess.Title, sess.CurrentStep,
		enc.messages, enc.collected, enc.metadata, sess.Metadata.StatusReason,
		sess.TokensUsed, sess.CostAccrued, int64(1), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		nullableMillis(sess.CompletedAt),
	)
	if err != nil {
		return domain.Persistence("store.insertSession", fmt.Errorf("insert session: %w", err))
	}
	sess.Version = 1
	sess.ContentHash = sess.Digest()
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM course_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("store.GetSession", "session "+sessionID+" not found")
	}
	if err != nil {
		return nil, domain.Persistence("store.GetSession", fmt.Errorf("scan session row: %w", err))
	}
	return sess, nil
}

// GetSessions retrieves many sessions with a single query.
func (s *SQLStore) GetSessions(ctx context.Context, sessionIDs []string) (map[string]*domain.Session, error) {
	result := make(map[string]*domain.Session, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return result, nil
	}
	marks, args := inClause(sessionIDs)
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM course_sessions WHERE session_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, domain.Persistence("store.GetSessions", fmt.Errorf("query sessions: %w", err))
	}
	defer closeRows(rows, "GetSessions")

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, domain.Persistence("store.GetSessions", fmt.Errorf("scan session row: %w", err))
		}
		result[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("store.GetSessions", fmt.Errorf("iterate sessions: %w", err))
	}
	return result, nil
}

// SaveSession upserts a session guarded by its version.
func (s *SQLStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return domain.Validation("store.SaveSession", "session id is required")
	}
	if sess.Version == 0 {
		return s.insertSession(ctx, sess)
	}

	enc, err := encodeSession(sess)
	if err != nil {
		return domain.Persistence("store.SaveSession", err)
	}

	digest := sess.Digest()
	updatedAt := sess.UpdatedAt
	if digest != sess.ContentHash {
		updatedAt = s.now()
	}

	unlock := s.lockWrites()
	defer unlock()

	result, err := s.exec(ctx, `
		UPDATE course_sessions SET
			state = ?, context = ?, title = ?, current_step = ?,
			messages_json = ?, collected_json = ?, metadata_json = ?, status_reason = ?,
			tokens_used = ?, cost_accrued = ?, completed_at = ?, updated_at = ?,
			version = version + 1
		WHERE session_id = ? AND version = ?`,
		string(sess.State), sess.Context, sess.Title, sess.CurrentStep,
		enc.messages, enc.collected, enc.metadata, sess.Metadata.StatusReason,
		sess.TokensUsed, sess.CostAccrued, nullableMillis(sess.CompletedAt), updatedAt.UnixMilli(),
		sess.ID, sess.Version,
	)
	if err != nil {
		return domain.Persistence("store.SaveSession", fmt.Errorf("update session: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Persistence("store.SaveSession", fmt.Errorf("get rows affected: %w", err))
	}
	if rows == 0 {
		var exists int
		err := s.queryRow(ctx, `SELECT 1 FROM course_sessions WHERE session_id = ?`, sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("store.SaveSession", "session "+sess.ID+" not found")
		}
		slog.Warn("SaveSession rejected stale version", "session_id", sess.ID, "version", sess.Version)
		return domain.Conflict("store.SaveSession", "session was modified concurrently")
	}

	sess.Version++
	sess.UpdatedAt = updatedAt
	sess.ContentHash = digest
	return nil
}

// ListSessionsByUser lists a user's sessions, most recently updated first.
func (s *SQLStore) ListSessionsByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, `
		SELECT `+sessionColumns+` FROM course_sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC, session_id ASC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, domain.Persistence("store.ListSessionsByUser", fmt.Errorf("query sessions: %w", err))
	}
	defer closeRows(rows, "ListSessionsByUser")

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, domain.Persistence("store.ListSessionsByUser", fmt.Errorf("scan session row: %w", err))
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("store.ListSessionsByUser", fmt.Errorf("iterate sessions: %w", err))
	}
	return sessions, nil
}

// DeleteSession removes a session, its drafts and its checkpoint.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM lesson_drafts WHERE session_id = ?`), sessionID); err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("delete drafts: %w", err))
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM session_checkpoints WHERE session_id = ?`), sessionID); err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("delete checkpoint: %w", err))
	}
	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM course_sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("delete session: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("get rows affected: %w", err))
	}
	if rows == 0 {
		return domain.NotFound("store.DeleteSession", "session "+sessionID+" not found")
	}
	if err := tx.Commit(); err != nil {
		return domain.Persistence("store.DeleteSession", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListActiveOlderThan returns ids of active or paused sessions whose
// updated_at is strictly older than now-d, oldest first.
func (s *SQLStore) ListActiveOlderThan(ctx context.Context, d time.Duration, limit int) ([]string, error) {
	threshold := s.now().Add(-d).UnixMilli()
	rows, err := s.query(ctx, `
		SELECT session_id FROM course_sessions
		WHERE state IN ('active', 'paused') AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, threshold, batchLimit(limit))
	if err != nil {
		return nil, domain.Persistence("store.ListActiveOlderThan", fmt.Errorf("query idle sessions: %w", err))
	}
	return collectIDs(rows, "ListActiveOlderThan")
}

// BatchAbandon marks sessions abandoned without touching updated_at and
// removes their drafts.
func (s *SQLStore) BatchAbandon(ctx context.Context, sessionIDs []string, reason string, idleFor time.Duration) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	marks, idArgs := inClause(sessionIDs)

	query := `UPDATE course_sessions SET state = 'abandoned', status_reason = ?, version = version + 1
		WHERE session_id IN (` + marks + `) AND state IN ('active', 'paused')`
	args := append([]any{reason}, idArgs...)
	if idleFor > 0 {
		query += ` AND updated_at < ?`
		args = append(args, s.now().Add(-idleFor).UnixMilli())
	}
	query += ` RETURNING session_id`

	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Persistence("store.BatchAbandon", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, domain.Persistence("store.BatchAbandon", fmt.Errorf("abandon sessions: %w", err))
	}
	abandoned, err := collectIDs(rows, "BatchAbandon")
	if err != nil {
		return nil, err
	}
	if len(abandoned) == 0 {
		return nil, tx.Commit()
	}

	draftMarks, draftArgs := inClause(abandoned)
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM lesson_drafts WHERE session_id IN (`+draftMarks+`)`), draftArgs...); err != nil {
		return nil, domain.Persistence("store.BatchAbandon", fmt.Errorf("delete abandoned drafts: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Persistence("store.BatchAbandon", fmt.Errorf("commit: %w", err))
	}
	return abandoned, nil
}

// ListDirty returns active sessions with content newer than their checkpoint.
func (s *SQLStore) ListDirty(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	threshold := s.now().Add(-grace).UnixMilli()
	rows, err := s.query(ctx, `
		SELECT session_id FROM course_sessions
		WHERE state = 'active' AND updated_at > checkpointed_at AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, threshold, batchLimit(limit))
	if err != nil {
		return nil, domain.Persistence("store.ListDirty", fmt.Errorf("query dirty sessions: %w", err))
	}
	return collectIDs(rows, "ListDirty")
}

// Checkpoint snapshots the session's content.
func (s *SQLStore) Checkpoint(ctx context.Context, sessionID string) error {
	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("store.Checkpoint", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO session_checkpoints (session_id, title, current_step, messages_json, collected_json, content_updated_at)
		SELECT session_id, title, current_step, messages_json, collected_json, updated_at
		FROM course_sessions WHERE session_id = ?
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			current_step = excluded.current_step,
			messages_json = excluded.messages_json,
			collected_json = excluded.collected_json,
			content_updated_at = excluded.content_updated_at`), sessionID)
	if err != nil {
		return domain.Persistence("store.Checkpoint", fmt.Errorf("write checkpoint: %w", err))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return domain.NotFound("store.Checkpoint", "session "+sessionID+" not found")
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE course_sessions SET checkpointed_at = updated_at WHERE session_id = ?`), sessionID); err != nil {
		return domain.Persistence("store.Checkpoint", fmt.Errorf("stamp checkpoint: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return domain.Persistence("store.Checkpoint", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// GetCheckpoint returns the last checkpoint of a session.
func (s *SQLStore) GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	var messagesJSON, collectedJSON string
	var contentUpdatedAt int64
	err := s.queryRow(ctx, `
		SELECT session_id, title, current_step, messages_json, collected_json, content_updated_at
		FROM session_checkpoints WHERE session_id = ?`, sessionID).
		Scan(&cp.SessionID, &cp.Title, &cp.CurrentStep, &messagesJSON, &collectedJSON, &contentUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("store.GetCheckpoint", "no checkpoint for session "+sessionID)
	}
	if err != nil {
		return nil, domain.Persistence("store.GetCheckpoint", fmt.Errorf("scan checkpoint: %w", err))
	}
	if err := json.Unmarshal([]byte(messagesJSON), &cp.Messages); err != nil {
		return nil, domain.Persistence("store.GetCheckpoint", fmt.Errorf("decode messages: %w", err))
	}
	if err := json.Unmarshal([]byte(collectedJSON), &cp.Data); err != nil {
		return nil, domain.Persistence("store.GetCheckpoint", fmt.Errorf("decode collected data: %w", err))
	}
	cp.ContentUpdatedAt = time.UnixMilli(contentUpdatedAt)
	return &cp, nil
}

// ListIdleUnwarned returns sessions idle past d that were not yet warned
// for their current idle period.
func (s *SQLStore) ListIdleUnwarned(ctx context.Context, d time.Duration, limit int) ([]IdleSession, error) {
	threshold := s.now().Add(-d).UnixMilli()
	rows, err := s.query(ctx, `
		SELECT session_id, user_id, title, updated_at FROM course_sessions
		WHERE state IN ('active', 'paused') AND updated_at < ? AND warned_at < updated_at
		ORDER BY updated_at ASC
		LIMIT ?`, threshold, batchLimit(limit))
	if err != nil {
		return nil, domain.Persistence("store.ListIdleUnwarned", fmt.Errorf("query idle sessions: %w", err))
	}
	defer closeRows(rows, "ListIdleUnwarned")

	var idle []IdleSession
	for rows.Next() {
		var is IdleSession
		var updatedAt int64
		if err := rows.Scan(&is.ID, &is.UserID, &is.Title, &updatedAt); err != nil {
			return nil, domain.Persistence("store.ListIdleUnwarned", fmt.Errorf("scan idle session: %w", err))
		}
		is.UpdatedAt = time.UnixMilli(updatedAt)
		idle = append(idle, is)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("store.ListIdleUnwarned", fmt.Errorf("iterate idle sessions: %w", err))
	}
	return idle, nil
}

// MarkWarned stamps warned_at for the given sessions.
func (s *SQLStore) MarkWarned(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	marks, idArgs := inClause(sessionIDs)
	args := append([]any{s.now().UnixMilli()}, idArgs...)

	unlock := s.lockWrites()
	defer unlock()

	if _, err := s.exec(ctx, `UPDATE course_sessions SET warned_at = ? WHERE session_id IN (`+marks+`)`, args...); err != nil {
		return domain.Persistence("store.MarkWarned", fmt.Errorf("mark warned: %w", err))
	}
	return nil
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func collectIDs(rows *sql.Rows, op string) ([]string, error) {
	defer closeRows(rows, op)
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.Persistence("store."+op, fmt.Errorf("scan id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("store."+op, fmt.Errorf("iterate ids: %w", err))
	}
	return ids, nil
}

func closeRows(rows *sql.Rows, op string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "op", op, "error", err)
	}
}
