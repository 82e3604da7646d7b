package api

import (
	"net/http"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/identity"
	"github.com/go-chi/chi/v5"
)

// DraftHandler serves per-lesson drafts. Every route checks session
// ownership before touching drafts.
type DraftHandler struct {
	*Handler
}

// NewDraftHandler creates a draft handler.
func NewDraftHandler(base *Handler) *DraftHandler {
	return &DraftHandler{Handler: base}
}

// Routes returns the draft router. It is mounted below a route that
// binds the {id} session parameter.
func (h *DraftHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Delete("/", h.DeleteAll)
	r.Post("/reconcile", h.Reconcile)
	r.Delete("/{sectionID}", h.DeleteSection)
	r.Put("/{sectionID}/{lessonID}", h.Save)
	r.Get("/{sectionID}/{lessonID}", h.Get)
	r.Delete("/{sectionID}/{lessonID}", h.Delete)
	return r
}

// owned loads the session named in the path or writes the error.
func (h *DraftHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	sess, err := h.orch.Session(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return nil, false
	}
	return sess, true
}

// List returns every draft of the session.
func (h *DraftHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	drafts, err := h.orch.Drafts().GetSessionDrafts(r.Context(), sess.ID)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	if drafts == nil {
		drafts = []*domain.LessonDraft{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"drafts": drafts})
}

// DeleteAll removes every draft of the session.
func (h *DraftHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	n, err := h.orch.Drafts().DeleteSessionDrafts(r.Context(), sess.ID)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type reconcileRequest struct {
	Outline *domain.Outline `json:"outline"`
}

// Reconcile previews drafts mapped onto an outline without saving. The
// session's accepted outline is used when the body carries none.
func (h *DraftHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	outline := req.Outline
	if outline == nil {
		outline = sess.Data.Outline
	}
	if outline == nil {
		DomainError(w, r, domain.Validation("api.Reconcile", "session has no outline"))
		return
	}
	merged, report, err := h.orch.Drafts().MapDraftsToStructure(r.Context(), sess.ID, outline)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"outline": merged, "report": report})
}

// DeleteSection removes the drafts of one section.
func (h *DraftHandler) DeleteSection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	n, err := h.orch.Drafts().DeleteSectionDrafts(r.Context(), sess.ID, chi.URLParam(r, "sectionID"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type saveDraftRequest struct {
	Content    string `json:"content"`
	OrderIndex int    `json:"order_index"`
}

// Save upserts one lesson draft.
func (h *DraftHandler) Save(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req saveDraftRequest
	if err := decode(r, &req); err != nil {
		DomainError(w, r, err)
		return
	}
	draft, err := h.orch.Drafts().SaveDraft(r.Context(), sess.ID,
		chi.URLParam(r, "sectionID"), chi.URLParam(r, "lessonID"), req.Content, req.OrderIndex)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, draft)
}

// Get loads one lesson draft.
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	draft, err := h.orch.Drafts().GetDraft(r.Context(), sess.ID, chi.URLParam(r, "sectionID"), chi.URLParam(r, "lessonID"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, draft)
}

// Delete removes one lesson draft.
func (h *DraftHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.orch.Drafts().DeleteDraft(r.Context(), sess.ID, chi.URLParam(r, "sectionID"), chi.URLParam(r, "lessonID")); err != nil {
		DomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
