// Package api provides HTTP handlers for the course authoring API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/ashureev/coursecraft/internal/orchestrator"
	"github.com/ashureev/coursecraft/internal/syncer"
)

const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	orch *orchestrator.Orchestrator
	sync *syncer.Coordinator
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(orch *orchestrator.Orchestrator, sync *syncer.Coordinator) *Handler {
	return &Handler{orch: orch, sync: sync}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPermission:
		return http.StatusForbidden
	case domain.KindUpstream:
		return http.StatusBadGateway
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// DomainError renders err with the status for its kind. Storage and unknown
// failures are logged and reported without detail.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		slog.Error("Unhandled error", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := StatusFor(de.Kind)
	msg := de.Msg
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "op", de.Op, "error", err)
		msg = "internal error"
	}
	JSON(w, status, map[string]interface{}{
		"error":     msg,
		"kind":      de.Kind,
		"retryable": de.Retryable || de.Kind == domain.KindConflict,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.Validation("api.decode", fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
