package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/export"
	"github.com/ashureev/coursecraft/internal/identity"
	"github.com/ashureev/coursecraft/internal/orchestrator"
	"github.com/ashureev/coursecraft/internal/syncer"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SessionHandler serves session lifecycle, chat turns, materialization,
// export, sync and the nested draft routes.
type SessionHandler struct {
	*Handler
	turnLimit func(http.Handler) http.Handler
}

// NewSessionHandler creates a session handler. turnLimit wraps the chat
// route and may be nil.
func NewSessionHandler(base *Handler, turnLimit func(http.Handler) http.Handler) *SessionHandler {
	if turnLimit == nil {
		turnLimit = func(next http.Handler) http.Handler { return next }
	}
	return &SessionHandler{Handler: base, turnLimit: turnLimit}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.With(h.turnLimit).Post("/messages", h.SendMessage)
			r.Delete("/messages", h.ClearMessages)
			r.Post("/materialize", h.Materialize)
			r.Get("/export", h.Export)
			r.Post("/sync", h.Sync)
			r.Mount("/drafts", NewDraftHandler(h.Handler).Routes())
		})
	})
}

type createSessionRequest struct {
	Context string `json:"context"`
	Title   string `json:"title"`
}

// Create starts a new session for the caller.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	sess, err := h.orch.CreateSession(r.Context(), identity.UserIDFromContext(r.Context()), req.Context, req.Title)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// List returns the caller's sessions, most recently updated first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	sessions, err := h.orch.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()), limit, offset)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Get loads one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orch.Session(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Title  *string `json:"title"`
	Action string  `json:"action"`
}

// Update renames, pauses or resumes a session.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	var (
		sess *domain.Session
		err  error
	)
	switch strings.ToLower(req.Action) {
	case "":
	case "pause":
		sess, err = h.orch.Pause(ctx, userID, id)
	case "resume":
		sess, err = h.orch.Resume(ctx, userID, id)
	default:
		err = domain.Validation("api.Update", "unknown action "+req.Action)
	}
	if err == nil && req.Title != nil {
		sess, err = h.orch.Rename(ctx, userID, id, *req.Title)
	}
	if err == nil && sess == nil {
		err = domain.Validation("api.Update", "nothing to update")
	}
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Delete removes a session and its drafts.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeleteSession(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		DomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Message string `json:"message"`
}

// SendMessage runs one conversational turn.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	res, err := h.orch.HandleTurn(r.Context(), orchestrator.TurnRequest{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: chi.URLParam(r, "id"),
		Message:   req.Message,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ClearMessages empties the conversation log.
func (h *SessionHandler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orch.ClearMessages(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Materialize creates the course on the host platform.
func (h *SessionHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.Materialize(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Export renders the outline, with drafts applied, as Markdown or HTML.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	ctx := r.Context()
	sess, err := h.orch.Session(ctx, identity.UserIDFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	outline := sess.Data.Outline
	if outline != nil {
		if outline, _, err = h.orch.Drafts().MapDraftsToStructure(ctx, sess.ID, outline); err != nil {
			DomainError(w, r, err)
			return
		}
	}
	body, err := export.Render(sess, outline, format)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Failed to write export", "session_id", sess.ID, "error", err)
	}
}

// Sync merges a client snapshot into the stored session.
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncer.Request
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	req.UserID = identity.UserIDFromContext(r.Context())
	req.DeviceID = identity.DeviceIDFromContext(r.Context())
	req.SessionID = chi.URLParam(r, "id")

	res, err := h.sync.Sync(r.Context(), req)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
