//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/coursecraft/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want int
	}{
		{domain.KindValidation, http.StatusBadRequest},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindPermission, http.StatusForbidden},
		{domain.KindUpstream, http.StatusBadGateway},
		{domain.KindConflict, http.StatusConflict},
		{domain.KindPersistence, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestDomainErrorHidesStorageDetail(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)

	DomainError(w, r, domain.Persistence("store.GetSession", errors.New("disk I/O error at /var/lib")))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "internal error" {
		t.Errorf("Expected generic message, got %v", got["error"])
	}
}

func TestDomainErrorRetryableUpstream(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/messages", nil)
	e := domain.Upstream("orchestrator.HandleTurn", "model call timed out", errors.New("deadline"))
	e.Retryable = true

	DomainError(w, r, e)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["retryable"] != true || got["error"] != "model call timed out" {
		t.Errorf("Unexpected body %v", got)
	}
}
