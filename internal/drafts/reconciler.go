// Package drafts stores per-lesson edits and folds them back into an outline.
package drafts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/store"
)

// Match describes how a lesson found its draft.
type Match string

const (
	MatchPositional Match = "positional"
	MatchLegacy     Match = "legacy"
	MatchOutlineID  Match = "outline_id"
)

// LessonRef addresses one lesson of an outline by position.
type LessonRef struct {
	SectionIndex int    `json:"section_index"`
	LessonIndex  int    `json:"lesson_index"`
	Title        string `json:"title"`
	Match        Match  `json:"match,omitempty"`
	SectionID    string `json:"section_id,omitempty"`
	LessonID     string `json:"lesson_id,omitempty"`
}

// Report summarizes a reconciliation pass.
type Report struct {
	Applied   []LessonRef `json:"applied"`
	Unmatched []LessonRef `json:"unmatched"`
	// Orphaned lists stored drafts that no lesson claimed.
	Orphaned []string `json:"orphaned"`
}

// Reconciler is the draft storage front and the outline merger.
type Reconciler struct {
	repo   store.DraftRepository
	logger *slog.Logger
}

// NewReconciler creates a Reconciler over repo.
func NewReconciler(repo store.DraftRepository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{repo: repo, logger: logger}
}

// SaveDraft upserts lesson content; the last write wins.
func (r *Reconciler) SaveDraft(ctx context.Context, sessionID, sectionID, lessonID, content string, orderIndex int) (*domain.LessonDraft, error) {
	if err := validateKey(sessionID, sectionID, lessonID); err != nil {
		return nil, err
	}
	d := &domain.LessonDraft{
		SessionID:  sessionID,
		SectionID:  sectionID,
		LessonID:   lessonID,
		Content:    content,
		OrderIndex: orderIndex,
	}
	if err := r.repo.UpsertDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return d, nil
}

// GetDraft returns one draft.
func (r *Reconciler) GetDraft(ctx context.Context, sessionID, sectionID, lessonID string) (*domain.LessonDraft, error) {
	if err := validateKey(sessionID, sectionID, lessonID); err != nil {
		return nil, err
	}
	return r.repo.GetDraft(ctx, sessionID, sectionID, lessonID)
}

// GetSessionDrafts returns all drafts of a session ordered by section and order index.
func (r *Reconciler) GetSessionDrafts(ctx context.Context, sessionID string) ([]*domain.LessonDraft, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.Validation("drafts.GetSessionDrafts", "session id is required")
	}
	return r.repo.ListDrafts(ctx, sessionID)
}

// DeleteDraft removes one draft.
func (r *Reconciler) DeleteDraft(ctx context.Context, sessionID, sectionID, lessonID string) error {
	if err := validateKey(sessionID, sectionID, lessonID); err != nil {
		return err
	}
	return r.repo.DeleteDraft(ctx, sessionID, sectionID, lessonID)
}

// DeleteSectionDrafts removes all drafts of a section.
func (r *Reconciler) DeleteSectionDrafts(ctx context.Context, sessionID, sectionID string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(sectionID) == "" {
		return 0, domain.Validation("drafts.DeleteSectionDrafts", "session and section ids are required")
	}
	return r.repo.DeleteSectionDrafts(ctx, sessionID, sectionID)
}

// DeleteSessionDrafts removes all drafts of a session.
func (r *Reconciler) DeleteSessionDrafts(ctx context.Context, sessionID string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, domain.Validation("drafts.DeleteSessionDrafts", "session id is required")
	}
	return r.repo.DeleteSessionDrafts(ctx, sessionID)
}

// MapDraftsToStructure returns a copy of outline with draft content applied to
// every lesson that has one. outline itself is never modified.
//
// Each lesson tries, in order: its position ("<si>", "<li>"), the legacy
// one-based form ("section_<si+1>", "lesson_<si+1>_<li+1>"), and the ids the
// outline carries. The first key with a stored draft wins.
func (r *Reconciler) MapDraftsToStructure(ctx context.Context, sessionID string, outline *domain.Outline) (*domain.Outline, Report, error) {
	if outline == nil {
		return nil, Report{}, domain.Validation("drafts.MapDraftsToStructure", "outline is required")
	}
	list, err := r.GetSessionDrafts(ctx, sessionID)
	if err != nil {
		return nil, Report{}, err
	}

	index := make(map[draftKey]*domain.LessonDraft, len(list))
	for _, d := range list {
		index[draftKey{d.SectionID, d.LessonID}] = d
	}

	out := outline.Clone()
	report := Report{Applied: []LessonRef{}, Unmatched: []LessonRef{}, Orphaned: []string{}}
	used := make(map[draftKey]bool, len(list))

	for si := range out.Sections {
		section := &out.Sections[si]
		for li := range section.Lessons {
			lesson := &section.Lessons[li]
			ref := LessonRef{SectionIndex: si, LessonIndex: li, Title: lesson.Title}

			key, match, ok := lookup(index, si, li, string(section.ID), string(lesson.ID))
			if !ok {
				report.Unmatched = append(report.Unmatched, ref)
				continue
			}
			lesson.Content = index[key].Content
			used[key] = true
			ref.Match, ref.SectionID, ref.LessonID = match, key.section, key.lesson
			report.Applied = append(report.Applied, ref)
		}
	}

	for _, d := range list {
		k := draftKey{d.SectionID, d.LessonID}
		if !used[k] {
			report.Orphaned = append(report.Orphaned, d.SectionID+"/"+d.LessonID)
		}
	}

	if len(report.Unmatched) > 0 || len(report.Orphaned) > 0 {
		r.logger.Info("Draft reconciliation incomplete",
			"session_id", sessionID,
			"applied", len(report.Applied),
			"unmatched", len(report.Unmatched),
			"orphaned", len(report.Orphaned),
		)
	}
	return out, report, nil
}

type draftKey struct {
	section, lesson string
}

func lookup(index map[draftKey]*domain.LessonDraft, si, li int, sectionID, lessonID string) (draftKey, Match, bool) {
	positional := draftKey{strconv.Itoa(si), strconv.Itoa(li)}
	if _, ok := index[positional]; ok {
		return positional, MatchPositional, true
	}
	legacy := draftKey{
		"section_" + strconv.Itoa(si+1),
		"lesson_" + strconv.Itoa(si+1) + "_" + strconv.Itoa(li+1),
	}
	if _, ok := index[legacy]; ok {
		return legacy, MatchLegacy, true
	}
	if sectionID != "" && lessonID != "" {
		own := draftKey{sectionID, lessonID}
		if _, ok := index[own]; ok {
			return own, MatchOutlineID, true
		}
	}
	return draftKey{}, "", false
}

func validateKey(sessionID, sectionID, lessonID string) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(sectionID) == "" || strings.TrimSpace(lessonID) == "" {
		return domain.Validation("drafts", "session, section and lesson ids are required")
	}
	return nil
}
