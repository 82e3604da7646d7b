package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestMaterializeSuccess(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"id":"42","edit_url":"https://host/edit/42","preview_url":"https://host/c/42"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("secret"))
	res, err := c.Materialize(context.Background(), "sess-1", &domain.Outline{Title: "Go"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "42", res.ID)
	require.Equal(t, "https://host/edit/42", res.EditURL)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, "Go", got.Outline.Title)
}

func TestMaterializeHostRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"duplicate course"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Materialize(context.Background(), "s", &domain.Outline{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "duplicate course", res.Error)
}

func TestMaterializeHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Materialize(context.Background(), "s", &domain.Outline{})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestMaterializeNotConfigured(t *testing.T) {
	_, err := NewClient("").Materialize(context.Background(), "s", &domain.Outline{})
	require.ErrorIs(t, err, ErrNotConfigured)
}
