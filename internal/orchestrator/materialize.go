package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/drafts"
	"github.com/ashureev/coursecraft/internal/materialize"
	"github.com/ashureev/coursecraft/internal/shared"
)

var errHostRejected = errors.New("host rejected the outline")

// completionAttempts bounds the reload-and-reapply loop that runs when a
// concurrent write wins the race to save the session.
const completionAttempts = 3

// MaterializeResult reports a successful course creation.
type MaterializeResult struct {
	Session    *domain.Session `json:"session"`
	HostID     string          `json:"host_id"`
	EditURL    string          `json:"edit_url"`
	PreviewURL string          `json:"preview_url"`
	Drafts     drafts.Report   `json:"drafts"`
}

// Materialize folds drafts into the accepted outline and asks the host to
// create the course. On success the session completes and its drafts are
// removed; on failure the error is recorded and the session stays open.
func (o *Orchestrator) Materialize(ctx context.Context, userID, sessionID string) (*MaterializeResult, error) {
	sess, err := o.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateActive && sess.State != domain.StatePaused {
		return nil, domain.Validation("orchestrator.Materialize", "session is "+string(sess.State))
	}
	if !sess.Data.Outline.Ready() {
		return nil, domain.Validation("orchestrator.Materialize", "session has no accepted outline")
	}
	if o.host == nil {
		return nil, domain.Upstream("orchestrator.Materialize", "no host materializer configured", nil)
	}

	outline, report, err := o.drafts.MapDraftsToStructure(ctx, sess.ID, sess.Data.Outline)
	if err != nil {
		return nil, err
	}

	res, err := o.host.Materialize(ctx, sess.ID, outline)
	if err == nil && !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = errHostRejected.Error()
		}
		err = errors.New(msg)
	}
	now := o.now()
	if err != nil {
		sess.Metadata.Materialization = &domain.MaterializationRecord{Error: err.Error(), At: now.UnixMilli()}
		if saveErr := o.repo.SaveSession(ctx, sess); saveErr != nil {
			o.logger.Warn("failed to record materialization error", "session_id", sess.ID, "error", saveErr)
		}
		o.logger.Error("Materialization failed", "session_id", sess.ID, "user_id", sess.UserID, "error", err)
		return nil, domain.Upstream("orchestrator.Materialize", "course creation failed", err)
	}

	sess, err = o.completeMaterialization(ctx, sess, outline, res, now)
	if err != nil {
		o.logger.Error("Course created but session not updated", "session_id", sessionID, "host_id", res.ID, "error", err)
		return nil, err
	}

	if n, err := o.drafts.DeleteSessionDrafts(ctx, sess.ID); err != nil {
		o.logger.Warn("failed to delete drafts after materialization", "session_id", sess.ID, "error", err)
	} else {
		o.logger.Info("Drafts cleared after materialization", "session_id", sess.ID, "count", n)
	}

	o.transcript.Log(TranscriptEvent{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		UserID:    sess.UserID,
		SessionID: sess.ID,
		EventType: EventMaterialized,
		Meta:      map[string]any{"host_id": res.ID, "applied_drafts": len(report.Applied)},
	})

	return &MaterializeResult{
		Session:    sess,
		HostID:     res.ID,
		EditURL:    res.EditURL,
		PreviewURL: res.PreviewURL,
		Drafts:     report,
	}, nil
}

// completeMaterialization records the host's course on the session and
// completes it. A version conflict reloads the session and applies the same
// completion again, so the host is never asked twice for one course.
func (o *Orchestrator) completeMaterialization(ctx context.Context, sess *domain.Session, outline *domain.Outline, res *materialize.Result, now time.Time) (*domain.Session, error) {
	const op = "orchestrator.Materialize"
	var err error
	for attempt := 0; attempt < completionAttempts; attempt++ {
		if attempt > 0 {
			o.logger.Warn("Session changed during materialization, reapplying", "session_id", sess.ID, "attempt", attempt+1)
			fresh, loadErr := o.repo.GetSession(ctx, sess.ID)
			if loadErr != nil {
				err = loadErr
				break
			}
			sess = fresh
		}
		if err = applyCompletion(sess, outline, res, now); err != nil {
			break
		}
		err = shared.Retry(ctx, op, completionAttempts, 50*time.Millisecond, func(ctx context.Context) error {
			return o.repo.SaveSession(ctx, sess)
		})
		if !domain.IsKind(err, domain.KindConflict) {
			break
		}
	}
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, "course "+res.ID+" was created but the session could not be updated", err)
	}
	return sess, nil
}

func applyCompletion(sess *domain.Session, outline *domain.Outline, res *materialize.Result, now time.Time) error {
	record := &domain.MaterializationRecord{
		HostID:     res.ID,
		EditURL:    res.EditURL,
		PreviewURL: res.PreviewURL,
		At:         now.UnixMilli(),
	}
	switch sess.State {
	case domain.StateActive:
	case domain.StatePaused:
		if err := sess.Transition(domain.StateActive, "resumed for materialization", now); err != nil {
			return err
		}
	case domain.StateCompleted:
		if sess.Metadata.Materialization != nil && sess.Metadata.Materialization.HostID == res.ID {
			return nil
		}
		sess.Metadata.Materialization = record
		return nil
	default:
		// Closed meanwhile; keep the host ids so the course is not lost.
		sess.Metadata.Materialization = record
		return nil
	}

	sess.SetOutline(outline, now)
	if sess.HasPlaceholderTitle() {
		sess.SetTitle(strings.TrimSpace(outline.Title), now)
	}
	sess.Metadata.Materialization = record
	return sess.Transition(domain.StateCompleted, "materialized", now)
}
