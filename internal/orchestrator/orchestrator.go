// Package orchestrator runs chat turns against a session and the language model.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/drafts"
	"github.com/ashureev/coursecraft/internal/extract"
	"github.com/ashureev/coursecraft/internal/llm"
	"github.com/ashureev/coursecraft/internal/materialize"
	"github.com/ashureev/coursecraft/internal/store"
)

// Suggested follow-up actions returned with each turn.
const (
	ActionCreateCourse         = "create_course"
	ActionModifyOutline        = "modify_outline"
	ActionStartOver            = "start_over"
	ActionContinueConversation = "continue_conversation"
)

const defaultOutlineMessage = "I've drafted a course outline for you."

// Config tunes model calls and accounting.
type Config struct {
	ModelTimeout          time.Duration
	Temperature           float64
	MaxTokens             int
	JSONMode              bool
	CostPer1KTokens       float64
	MaxExtractionFailures int
}

// DefaultConfig returns the fixed generation options used for course chat.
func DefaultConfig() Config {
	return Config{
		ModelTimeout:          60 * time.Second,
		Temperature:           0.7,
		MaxTokens:             4000,
		MaxExtractionFailures: 3,
	}
}

// TurnRequest is one user message addressed to a session.
type TurnRequest struct {
	UserID    string
	SessionID string
	Message   string
	RequestID string
}

// TurnResult is what the caller renders after a turn.
type TurnResult struct {
	AssistantMessage string          `json:"assistant_message"`
	Session          *domain.Session `json:"session"`
	// ReadyToMaterialize reports whether this turn produced an accepted outline.
	ReadyToMaterialize bool `json:"ready_to_materialize"`
	// CanMaterialize reports whether the session holds an accepted outline
	// from this or an earlier turn.
	CanMaterialize   bool     `json:"can_materialize"`
	SuggestedActions []string `json:"suggested_actions"`
	OutlineAccepted  bool     `json:"outline_accepted"`
}

// Orchestrator coordinates sessions, the model, drafts and the host.
type Orchestrator struct {
	repo       store.Repository
	gen        llm.Generator
	drafts     *drafts.Reconciler
	host       materialize.Materializer
	transcript TranscriptLogger
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaterializer sets the host materializer.
func WithMaterializer(m materialize.Materializer) Option {
	return func(o *Orchestrator) { o.host = m }
}

// WithTranscript sets the transcript logger.
func WithTranscript(t TranscriptLogger) Option {
	return func(o *Orchestrator) { o.transcript = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(repo store.Repository, gen llm.Generator, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = def.ModelTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxExtractionFailures <= 0 {
		cfg.MaxExtractionFailures = def.MaxExtractionFailures
	}
	o := &Orchestrator{
		repo:       repo,
		gen:        gen,
		transcript: noopTranscript{},
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.drafts = drafts.NewReconciler(repo, o.logger)
	return o
}

// Drafts exposes the draft reconciler bound to the same store.
func (o *Orchestrator) Drafts() *drafts.Reconciler {
	return o.drafts
}

// HandleTurn sends the user's message to the model and folds the reply into
// the session. A failed model call leaves the stored session untouched.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, domain.Validation("orchestrator.HandleTurn", "message is required")
	}

	sess, err := o.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.CanCallModel() {
		return nil, domain.Validation("orchestrator.HandleTurn", "session is "+string(sess.State)+" and no longer accepts messages")
	}

	prompt := buildPrompt(sess, message, o.cfg.JSONMode)

	o.transcript.Log(TranscriptEvent{
		Timestamp:  o.now().UTC().Format(time.RFC3339Nano),
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		EventType:  EventUserMessage,
		ContentRaw: message,
		Meta:       map[string]any{"request_id": req.RequestID},
	})

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
	defer cancel()
	reply, err := o.gen.Generate(genCtx, prompt, llm.PurposeCourseChat, llm.Options{
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		JSONMode:    o.cfg.JSONMode,
	})
	if err != nil {
		return nil, o.modelFailure(genCtx, sess, req.RequestID, err)
	}

	now := o.now()
	if sess.State == domain.StatePaused {
		if err := sess.Transition(domain.StateActive, "resumed by user message", now); err != nil {
			return nil, err
		}
	}

	res := extract.Extract(reply.Content, reply.Structured)
	accepted := false
	switch {
	case res.Malformed():
		sess.Metadata.ExtractionFailures++
		o.logger.Warn("Discarding malformed outline block",
			"session_id", sess.ID,
			"failures", sess.Metadata.ExtractionFailures,
			"error", res.Err,
		)
		o.transcript.Log(TranscriptEvent{
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			UserID:    sess.UserID,
			SessionID: sess.ID,
			EventType: EventExtractionFailed,
			Meta:      map[string]any{"error": res.Err.Error(), "failures": sess.Metadata.ExtractionFailures},
		})
	case res.Outline != nil:
		sess.Metadata.ExtractionFailures = 0
		if res.Outline.Ready() {
			o.acceptOutline(sess, res.Outline, now)
			accepted = true
		}
	}

	chat := res.Chat
	if chat == "" && accepted {
		chat = defaultOutlineMessage
	}

	sess.AppendMessage(domain.RoleUser, message, now)
	sess.AppendMessage(domain.RoleAssistant, chat, now)
	sess.AddUsage(reply.TokensUsed, float64(reply.TokensUsed)/1000*o.cfg.CostPer1KTokens)

	if sess.Metadata.ExtractionFailures >= o.cfg.MaxExtractionFailures {
		if err := sess.Transition(domain.StateError, "model repeatedly returned malformed outline data", now); err != nil {
			return nil, err
		}
		o.logger.Error("Session moved to error state", "session_id", sess.ID, "user_id", sess.UserID)
	}

	if err := o.repo.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	active := sess.State == domain.StateActive
	ready := accepted && active
	canMaterialize := active && sess.CurrentStep == domain.StepReadyToCreate && sess.Data.Outline.Ready()
	o.transcript.Log(TranscriptEvent{
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		EventType:  EventAssistantMessage,
		ContentRaw: chat,
		Meta: map[string]any{
			"request_id":       req.RequestID,
			"tokens_used":      reply.TokensUsed,
			"outline_accepted": accepted,
		},
	})
	o.logger.Info("Chat turn completed",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"outline_accepted", accepted,
		"tokens_used", reply.TokensUsed,
	)

	return &TurnResult{
		AssistantMessage:   chat,
		Session:            sess,
		ReadyToMaterialize: ready,
		CanMaterialize:     canMaterialize,
		SuggestedActions:   suggestedActions(ready),
		OutlineAccepted:    accepted,
	}, nil
}

func (o *Orchestrator) acceptOutline(sess *domain.Session, outline *domain.Outline, now time.Time) {
	sess.SetOutline(outline, now)
	sess.SetStep(domain.StepReadyToCreate, now)
	if sess.HasPlaceholderTitle() {
		sess.SetTitle(strings.TrimSpace(outline.Title), now)
	}
	o.transcript.Log(TranscriptEvent{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		UserID:    sess.UserID,
		SessionID: sess.ID,
		EventType: EventOutlineAccepted,
		Meta:      map[string]any{"title": outline.Title, "lessons": outline.LessonCount()},
	})
}

func (o *Orchestrator) modelFailure(genCtx context.Context, sess *domain.Session, requestID string, err error) error {
	msg := "model call failed"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		msg = "model call timed out"
	}
	o.logger.Error("Model call failed", "session_id", sess.ID, "user_id", sess.UserID, "error", err)
	o.transcript.Log(TranscriptEvent{
		Timestamp: o.now().UTC().Format(time.RFC3339Nano),
		UserID:    sess.UserID,
		SessionID: sess.ID,
		EventType: EventModelError,
		Meta:      map[string]any{"request_id": requestID, "error": err.Error()},
	})
	e := domain.Upstream("orchestrator.HandleTurn", msg, err)
	e.Retryable = true
	return e
}

func suggestedActions(ready bool) []string {
	if ready {
		return []string{ActionCreateCourse, ActionModifyOutline, ActionStartOver}
	}
	return []string{ActionContinueConversation}
}
