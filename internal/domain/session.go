// Package domain contains core domain types for the course authoring service.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateAbandoned State = "abandoned"
)

// Well-known context tags, step cursors and defaults.
const (
	ContextNewCourse  = "new-course"
	ContextEditCourse = "edit-course"

	StepInitial       = "initial"
	StepReadyToCreate = "ready_to_create"

	DefaultTitle = "Untitled course"
)

// Field names tracked in Metadata.FieldStamps.
const (
	FieldTitle    = "title"
	FieldStep     = "current_step"
	FieldOutline  = "outline"
	FieldMessages = "messages"
)

var transitions = map[State][]State{
	StateActive: {StatePaused, StateCompleted, StateError, StateAbandoned},
	StatePaused: {StateActive, StateError, StateAbandoned},
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in the session's conversation log.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncConflict records how a concurrent edit from another device was resolved.
type SyncConflict struct {
	ID       string   `json:"id"`
	At       int64    `json:"at"`
	Fields   []string `json:"fields"`
	Policy   string   `json:"policy"`
	Outcome  string   `json:"outcome"`
	ClientAt int64    `json:"client_at"`
}

// MaterializationRecord is what the host returned when the outline was created.
type MaterializationRecord struct {
	HostID     string `json:"host_id,omitempty"`
	EditURL    string `json:"edit_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	Error      string `json:"error,omitempty"`
	At         int64  `json:"at"`
}

// Metadata holds administrative session state. Writing it never counts as
// a content change.
type Metadata struct {
	StatusReason       string                 `json:"status_reason,omitempty"`
	ExtractionFailures int                    `json:"extraction_failures,omitempty"`
	FieldStamps        map[string]int64       `json:"field_stamps,omitempty"`
	SyncConflicts      []SyncConflict         `json:"sync_conflicts,omitempty"`
	Materialization    *MaterializationRecord `json:"materialization,omitempty"`
}

// Session is one authoring conversation.
type Session struct {
	ID          string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	State       State         `json:"state"`
	Context     string        `json:"context"`
	Title       string        `json:"title"`
	Messages    []Message     `json:"messages"`
	Data        CollectedData `json:"collected_data"`
	CurrentStep string        `json:"current_step"`
	TokensUsed  int64         `json:"tokens_used"`
	CostAccrued float64       `json:"cost_accrued"`
	Metadata    Metadata      `json:"metadata"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`

	// Version and ContentHash are maintained by the store.
	Version     int64  `json:"version"`
	ContentHash string `json:"-"`
}

// OwnedBy reports whether userID owns the session.
func (s *Session) OwnedBy(userID string) bool {
	return userID != "" && s.UserID == userID
}

// CanCallModel reports whether the session accepts further model turns.
func (s *Session) CanCallModel() bool {
	return s.State == StateActive || s.State == StatePaused
}

// Terminal reports whether the session reached a terminal state.
func (s *Session) Terminal() bool {
	return s.State == StateCompleted || s.State == StateAbandoned
}

// Transition moves the session to state to, recording reason.
func (s *Session) Transition(to State, reason string, now time.Time) error {
	if s.State == to {
		return nil
	}
	allowed := false
	for _, st := range transitions[s.State] {
		if st == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return Validation("session.transition", "cannot move session from "+string(s.State)+" to "+string(to))
	}
	s.State = to
	s.Metadata.StatusReason = reason
	if to == StateCompleted {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// AppendMessage adds an entry to the conversation log.
func (s *Session) AppendMessage(role Role, content string, now time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.stamp(FieldMessages, now)
}

// ClearMessages empties the conversation log.
func (s *Session) ClearMessages(now time.Time) {
	s.Messages = nil
	s.stamp(FieldMessages, now)
}

// SetTitle renames the session.
func (s *Session) SetTitle(title string, now time.Time) {
	if s.Title == title {
		return
	}
	s.Title = title
	s.stamp(FieldTitle, now)
}

// SetStep moves the progress cursor.
func (s *Session) SetStep(step string, now time.Time) {
	if s.CurrentStep == step {
		return
	}
	s.CurrentStep = step
	s.stamp(FieldStep, now)
}

// SetOutline replaces the accepted outline.
func (s *Session) SetOutline(o *Outline, now time.Time) {
	s.Data.Version = CollectedDataVersion
	s.Data.Outline = o
	s.stamp(FieldOutline, now)
}

// HasPlaceholderTitle reports whether the title was never set by a user or outline.
func (s *Session) HasPlaceholderTitle() bool {
	return strings.TrimSpace(s.Title) == "" || s.Title == DefaultTitle
}

// AddUsage accrues token and cost counters. Negative amounts are ignored
// so both counters stay monotonic.
func (s *Session) AddUsage(tokens int64, cost float64) {
	if tokens > 0 {
		s.TokensUsed += tokens
	}
	if cost > 0 {
		s.CostAccrued += cost
	}
}

// FieldChangedAt returns the unix millisecond time the field last changed.
func (s *Session) FieldChangedAt(field string) int64 {
	return s.Metadata.FieldStamps[field]
}

func (s *Session) stamp(field string, now time.Time) {
	if s.Metadata.FieldStamps == nil {
		s.Metadata.FieldStamps = make(map[string]int64)
	}
	s.Metadata.FieldStamps[field] = now.UnixMilli()
}

// Digest hashes the content fields. Two sessions with the same digest have
// the same title, step, messages and collected data.
func (s *Session) Digest() string {
	payload, err := json.Marshal(struct {
		Title    string        `json:"t"`
		Step     string        `json:"s"`
		Messages []Message     `json:"m"`
		Data     CollectedData `json:"d"`
	}{s.Title, s.CurrentStep, s.Messages, s.Data})
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// LessonDraft is persisted content for one lesson, addressed independently
// of the outline.
type LessonDraft struct {
	SessionID  string    `json:"session_id"`
	SectionID  string    `json:"section_id"`
	LessonID   string    `json:"lesson_id"`
	Content    string    `json:"content"`
	OrderIndex int       `json:"order_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}
