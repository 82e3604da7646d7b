// Package notify pushes session events to a user's connected devices.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/coursecraft/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event types.
const (
	EventTimeoutWarning = "timeout_warning"
	EventSessionExpired = "session_expired"
	EventSyncUpdate     = "sync_update"
)

const writeTimeout = 5 * time.Second

// Event is a message pushed to clients.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher delivers events to a user's devices.
type Publisher interface {
	// Publish sends ev to every device of userID except skipDevice and
	// returns how many devices received it.
	Publish(ctx context.Context, userID, skipDevice string, ev Event) int
}

// Hub tracks live websocket connections per user and device.
type Hub struct {
	mu             sync.RWMutex
	active         map[string]map[string]*websocket.Conn
	originPatterns []string
}

// NewHub creates a hub. originPatterns are passed to websocket.Accept.
func NewHub(originPatterns ...string) *Hub {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Hub{
		active:         make(map[string]map[string]*websocket.Conn),
		originPatterns: originPatterns,
	}
}

// GetActive returns the connection for a user's device.
func (h *Hub) GetActive(userID, deviceID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if devices, ok := h.active[userID]; ok {
		return devices[deviceID]
	}
	return nil
}

// Register adds a connection, replacing any previous one for the same device.
func (h *Hub) Register(userID, deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[userID][deviceID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "device reconnected")
	}
	h.active[userID][deviceID] = conn
	slog.Info("Notification channel registered", "user_id", userID, "device_id", deviceID)
}

// Unregister removes conn if it is still the device's current connection.
func (h *Hub) Unregister(userID, deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if devices, ok := h.active[userID]; ok {
		if current, exists := devices[deviceID]; exists && current == conn {
			delete(devices, deviceID)
			if len(devices) == 0 {
				delete(h.active, userID)
			}
			slog.Info("Notification channel unregistered", "user_id", userID, "device_id", deviceID)
		}
	}
}

// Connected returns the number of live devices for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// Publish implements Publisher. Write failures are logged and skipped.
func (h *Hub) Publish(ctx context.Context, userID, skipDevice string, ev Event) int {
	h.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.active[userID]))
	for device, conn := range h.active[userID] {
		if device != skipDevice {
			targets[device] = conn
		}
	}
	h.mu.RUnlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	delivered := 0
	for device, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(writeCtx, conn, ev)
		cancel()
		if err != nil {
			slog.Debug("Failed to push notification", "user_id", userID, "device_id", device, "type", ev.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ServeHTTP upgrades the request and keeps the device registered until the
// client goes away. Clients only receive; inbound frames are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	deviceID := identity.DeviceIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept notification websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "closing"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.Register(userID, deviceID, ws)
	defer h.Unregister(userID, deviceID, ws)

	ctx := ws.CloseRead(r.Context())
	<-ctx.Done()
}

var _ Publisher = (*Hub)(nil)
