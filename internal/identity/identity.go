// Package identity provides anonymous per-browser owner identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	OwnerCookieName      = "coursecraft_owner"
	DeviceHeaderName     = "X-Coursecraft-Device"
	DefaultDeviceIDValue = "default"
	ownerCookieMaxAge    = 180 * 24 * time.Hour
	ownerIDPrefix        = "owner_"
	deviceQueryParam     = "device_id"
)

type contextKey int

const (
	userIDKey contextKey = iota
	deviceIDKey
)

var (
	ownerIDPattern  = regexp.MustCompile(`^owner_[a-f0-9]{32}$`)
	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserIDFromContext extracts the owner id from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// DeviceIDFromContext extracts the device id from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return DefaultDeviceIDValue
}

// WithIdentity returns ctx carrying userID and deviceID.
func WithIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, sanitizeDeviceID(deviceID))
}

func generateOwnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return ownerIDPrefix + hex.EncodeToString(buf), nil
}

func isValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

func sanitizeDeviceID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !deviceIDPattern.MatchString(id) {
		return DefaultDeviceIDValue
	}
	return id
}

func setOwnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ownerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(ownerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateOwnerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(OwnerCookieName); err == nil && isValidOwnerID(c.Value) {
		setOwnerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateOwnerID()
	if err != nil {
		return "", err
	}
	setOwnerCookie(w, id, isDev)
	return id, nil
}

func deviceIDFromRequest(r *http.Request) string {
	id := r.Header.Get(DeviceHeaderName)
	if id == "" {
		id = r.URL.Query().Get(deviceQueryParam)
	}
	return sanitizeDeviceID(id)
}

// Middleware injects the anonymous owner id and the per-request device id.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateOwnerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish owner identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, deviceIDFromRequest(r))))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
