// Package syncer merges edits made on one device into the stored session.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/notify"
	"github.com/ashureev/coursecraft/internal/store"
	"github.com/lithammer/shortuuid/v4"
)

// Outcome classifies a sync request.
type Outcome string

const (
	OutcomeInSync        Outcome = "in_sync"
	OutcomeServerWins    Outcome = "server_wins"
	OutcomeClientApplied Outcome = "client_applied"
	OutcomeMerged        Outcome = "merged"
)

// Policy resolves a field both sides changed.
type Policy string

const (
	PolicyServerWins Policy = "server_wins"
	PolicyClientWins Policy = "client_wins"
	// PolicyLatestWins keeps whichever side changed the field last.
	PolicyLatestWins Policy = "latest_wins"
)

// MaxConflictRecords bounds metadata.sync_conflicts.
const MaxConflictRecords = 20

// ParsePolicy maps a config value to a Policy, defaulting to server wins.
func ParsePolicy(s string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyClientWins:
		return PolicyClientWins
	case PolicyLatestWins:
		return PolicyLatestWins
	default:
		return PolicyServerWins
	}
}

// Changes carries the fields a client edited. Nil means untouched.
type Changes struct {
	Title       *string         `json:"title,omitempty"`
	CurrentStep *string         `json:"current_step,omitempty"`
	Outline     *domain.Outline `json:"outline,omitempty"`
}

// Request is a client snapshot. Timestamps are unix milliseconds.
type Request struct {
	UserID          string  `json:"-"`
	DeviceID        string  `json:"-"`
	SessionID       string  `json:"-"`
	BaseUpdatedAt   int64   `json:"base_updated_at"`
	ClientUpdatedAt int64   `json:"client_updated_at"`
	Changes         Changes `json:"changes"`
}

// Result is returned to the requesting device.
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Applied   []string        `json:"applied"`
	Conflicts []string        `json:"conflicts"`
	Session   *domain.Session `json:"session"`
}

// Coordinator applies client snapshots to stored sessions.
type Coordinator struct {
	repo      store.SessionRepository
	publisher notify.Publisher
	policy    Policy
	now       func() time.Time
}

// NewCoordinator creates a Coordinator. publisher may be nil.
func NewCoordinator(repo store.SessionRepository, publisher notify.Publisher, policy Policy) *Coordinator {
	return &Coordinator{repo: repo, publisher: publisher, policy: ParsePolicy(string(policy)), now: time.Now}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Sync merges req into the stored session field by field. Server fields
// changed after req.BaseUpdatedAt are detected from per-field stamps.
func (c *Coordinator) Sync(ctx context.Context, req Request) (*Result, error) {
	sess, err := c.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(req.UserID) {
		return nil, domain.Permission("syncer.Sync", "session belongs to another user")
	}

	serverChanged := map[string]bool{}
	for _, f := range []string{domain.FieldTitle, domain.FieldStep, domain.FieldOutline, domain.FieldMessages} {
		if sess.FieldChangedAt(f) > req.BaseUpdatedAt {
			serverChanged[f] = true
		}
	}
	if len(serverChanged) == 0 && sess.UpdatedAt.UnixMilli() > req.BaseUpdatedAt {
		serverChanged[domain.FieldMessages] = true
	}

	edits := clientEdits(sess, req.Changes)
	result := &Result{Applied: []string{}, Conflicts: []string{}, Session: sess}

	if len(edits) == 0 {
		result.Outcome = OutcomeInSync
		if len(serverChanged) > 0 {
			result.Outcome = OutcomeServerWins
		}
		return result, nil
	}
	if sess.Terminal() || sess.State == domain.StateError {
		return nil, domain.Validation("syncer.Sync", "session is "+string(sess.State)+" and cannot accept changes")
	}

	now := c.now()
	for _, e := range edits {
		if !serverChanged[e.field] || c.clientWins(sess, e.field, req.ClientUpdatedAt) {
			e.apply(sess, now)
			result.Applied = append(result.Applied, e.field)
		}
		if serverChanged[e.field] {
			result.Conflicts = append(result.Conflicts, e.field)
		}
	}

	switch {
	case len(result.Conflicts) == 0 && len(serverChanged) == 0:
		result.Outcome = OutcomeClientApplied
	default:
		result.Outcome = OutcomeMerged
	}

	if len(result.Conflicts) > 0 {
		recordConflict(sess, domain.SyncConflict{
			ID:       shortuuid.New(),
			At:       now.UnixMilli(),
			Fields:   result.Conflicts,
			Policy:   string(c.policy),
			Outcome:  string(result.Outcome),
			ClientAt: req.ClientUpdatedAt,
		})
		slog.Info("Sync conflict resolved",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"fields", result.Conflicts,
			"policy", c.policy,
		)
	}

	if err := c.repo.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	if c.publisher != nil && len(result.Applied) > 0 {
		c.publisher.Publish(ctx, sess.UserID, req.DeviceID, notify.Event{
			Type:      notify.EventSyncUpdate,
			SessionID: sess.ID,
			Payload: map[string]any{
				"outcome":    result.Outcome,
				"fields":     result.Applied,
				"updated_at": sess.UpdatedAt.UnixMilli(),
			},
		})
	}
	return result, nil
}

func (c *Coordinator) clientWins(sess *domain.Session, field string, clientAt int64) bool {
	switch c.policy {
	case PolicyClientWins:
		return true
	case PolicyLatestWins:
		return clientAt > sess.FieldChangedAt(field)
	default:
		return false
	}
}

type edit struct {
	field string
	apply func(*domain.Session, time.Time)
}

// clientEdits returns the changes that differ from the stored values.
func clientEdits(sess *domain.Session, ch Changes) []edit {
	var edits []edit
	if ch.Title != nil {
		title := strings.TrimSpace(*ch.Title)
		if title != "" && title != sess.Title {
			edits = append(edits, edit{domain.FieldTitle, func(s *domain.Session, now time.Time) { s.SetTitle(title, now) }})
		}
	}
	if ch.CurrentStep != nil && *ch.CurrentStep != "" && *ch.CurrentStep != sess.CurrentStep {
		step := *ch.CurrentStep
		edits = append(edits, edit{domain.FieldStep, func(s *domain.Session, now time.Time) { s.SetStep(step, now) }})
	}
	if ch.Outline != nil && !sameOutline(sess.Data.Outline, ch.Outline) {
		outline := ch.Outline
		edits = append(edits, edit{domain.FieldOutline, func(s *domain.Session, now time.Time) { s.SetOutline(outline, now) }})
	}
	return edits
}

func sameOutline(a, b *domain.Outline) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func recordConflict(sess *domain.Session, c domain.SyncConflict) {
	sess.Metadata.SyncConflicts = append(sess.Metadata.SyncConflicts, c)
	if n := len(sess.Metadata.SyncConflicts); n > MaxConflictRecords {
		sess.Metadata.SyncConflicts = append([]domain.SyncConflict(nil), sess.Metadata.SyncConflicts[n-MaxConflictRecords:]...)
	}
}
