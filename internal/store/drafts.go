package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
)

// UpsertDraft stores lesson content for the (session, section, lesson) key.
func (s *SQLStore) UpsertDraft(ctx context.Context, draft *domain.LessonDraft) error {
	if draft == nil || draft.SessionID == "" || strings.TrimSpace(draft.SectionID) == "" || strings.TrimSpace(draft.LessonID) == "" {
		return domain.Validation("store.UpsertDraft", "session, section and lesson ids are required")
	}
	draft.UpdatedAt = s.now()

	unlock := s.lockWrites()
	defer unlock()

	_, err := s.exec(ctx, `
		INSERT INTO lesson_drafts (session_id, section_id, lesson_id, content, order_index, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, section_id, lesson_id) DO UPDATE SET
			content = excluded.content,
			order_index = excluded.order_index,
			updated_at = excluded.updated_at`,
		draft.SessionID, draft.SectionID, draft.LessonID, draft.Content, draft.OrderIndex, draft.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Persistence("store.UpsertDraft", fmt.Errorf("upsert draft: %w", err))
	}
	return nil
}

// GetDraft returns one draft or a not_found error.
func (s *SQLStore) GetDraft(ctx context.Context, sessionID, sectionID, lessonID string) (*domain.LessonDraft, error) {
	row := s.queryRow(ctx, `
		SELECT session_id, section_id, lesson_id, content, order_index, updated_at
		FROM lesson_drafts
		WHERE session_id = ? AND section_id = ? AND lesson_id = ?`, sessionID, sectionID, lessonID)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("store.GetDraft", fmt.Sprintf("no draft for %s/%s", sectionID, lessonID))
	}
	if err != nil {
		return nil, domain.Persistence("store.GetDraft", fmt.Errorf("scan draft: %w", err))
	}
	return d, nil
}

// ListDrafts returns all drafts of a session ordered by section, order index and lesson.
func (s *SQLStore) ListDrafts(ctx context.Context, sessionID string) ([]*domain.LessonDraft, error) {
	rows, err := s.query(ctx, `
		SELECT session_id, section_id, lesson_id, content, order_index, updated_at
		FROM lesson_drafts
		WHERE session_id = ?
		ORDER BY section_id ASC, order_index ASC, lesson_id ASC`, sessionID)
	if err != nil {
		return nil, domain.Persistence("store.ListDrafts", fmt.Errorf("query drafts: %w", err))
	}
	defer closeRows(rows, "ListDrafts")

	var drafts []*domain.LessonDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, domain.Persistence("store.ListDrafts", fmt.Errorf("scan draft: %w", err))
		}
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("store.ListDrafts", fmt.Errorf("iterate drafts: %w", err))
	}
	return drafts, nil
}

// DeleteDraft removes one draft. Deleting a missing draft is not an error.
func (s *SQLStore) DeleteDraft(ctx context.Context, sessionID, sectionID, lessonID string) error {
	unlock := s.lockWrites()
	defer unlock()

	if _, err := s.exec(ctx, `
		DELETE FROM lesson_drafts WHERE session_id = ? AND section_id = ? AND lesson_id = ?`,
		sessionID, sectionID, lessonID); err != nil {
		return domain.Persistence("store.DeleteDraft", fmt.Errorf("delete draft: %w", err))
	}
	return nil
}

// DeleteSectionDrafts removes every draft of one section.
func (s *SQLStore) DeleteSectionDrafts(ctx context.Context, sessionID, sectionID string) (int64, error) {
	unlock := s.lockWrites()
	defer unlock()

	result, err := s.exec(ctx, `DELETE FROM lesson_drafts WHERE session_id = ? AND section_id = ?`, sessionID, sectionID)
	if err != nil {
		return 0, domain.Persistence("store.DeleteSectionDrafts", fmt.Errorf("delete section drafts: %w", err))
	}
	return result.RowsAffected()
}

// DeleteSessionDrafts removes every draft of a session.
func (s *SQLStore) DeleteSessionDrafts(ctx context.Context, sessionID string) (int64, error) {
	unlock := s.lockWrites()
	defer unlock()

	result, err := s.exec(ctx, `DELETE FROM lesson_drafts WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, domain.Persistence("store.DeleteSessionDrafts", fmt.Errorf("delete session drafts: %w", err))
	}
	return result.RowsAffected()
}

func scanDraft(row rowScanner) (*domain.LessonDraft, error) {
	var d domain.LessonDraft
	var updatedAt int64
	if err := row.Scan(&d.SessionID, &d.SectionID, &d.LessonID, &d.Content, &d.OrderIndex, &updatedAt); err != nil {
		return nil, err
	}
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

var _ Repository = (*SQLStore)(nil)
