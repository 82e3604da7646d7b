package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveWithIdentity(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var userID, deviceID string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		deviceID = DeviceIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, userID, deviceID
}

func TestMiddlewareIssuesOwnerCookie(t *testing.T) {
	rec, userID, deviceID := serveWithIdentity(t, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.True(t, strings.HasPrefix(userID, ownerIDPrefix))
	require.True(t, isValidOwnerID(userID))
	require.Equal(t, DefaultDeviceIDValue, deviceID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, OwnerCookieName, cookies[0].Name)
	require.Equal(t, userID, cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	existing := "owner_" + strings.Repeat("ab", 16)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: OwnerCookieName, Value: existing})
	req.Header.Set(DeviceHeaderName, "laptop-1")

	_, userID, deviceID := serveWithIdentity(t, req)
	require.Equal(t, existing, userID)
	require.Equal(t, "laptop-1", deviceID)
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/notifications?device_id=phone", nil)
	req.AddCookie(&http.Cookie{Name: OwnerCookieName, Value: "someone-else"})

	_, userID, deviceID := serveWithIdentity(t, req)
	require.NotEqual(t, "someone-else", userID)
	require.Equal(t, "phone", deviceID)
}

func TestSanitizeDeviceID(t *testing.T) {
	require.Equal(t, DefaultDeviceIDValue, sanitizeDeviceID("  "))
	require.Equal(t, DefaultDeviceIDValue, sanitizeDeviceID("bad id with spaces"))
	require.Equal(t, "tab-2", sanitizeDeviceID(" tab-2 "))
}
