package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// MockSubscription is the Helix shape of an EventSub subscription.
type MockSubscription struct {
	CreatedAt time.Time         `json:"created_at"`
	Condition map[string]string `json:"condition"`
	Transport map[string]string `json:"transport"`
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
}

// MockTwitchServer creates a test server that mocks Twitch Helix API responses.
// EventSub subscriptions are kept in memory so list/create/delete round trips
// behave like the real API.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	// PageSize splits subscription listings into cursor pages (0 = one page).
	PageSize int

	mu      sync.Mutex
	subs    map[string]MockSubscription
	nextID  int
	deletes []string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		subs:     make(map[string]MockSubscription),
	}
	m.Handlers["/helix/eventsub/subscriptions"] = m.handleSubscriptions
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to give a Helix client.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

func writeMockJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": login},
			},
		})
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"channel:read:redemptions"},
		})
	}
}

// AddSubscription seeds a remote subscription and returns its id.
func (m *MockTwitchServer) AddSubscription(subType, method, sessionID, broadcasterID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(subType, "1", method, sessionID, broadcasterID)
}

func (m *MockTwitchServer) addLocked(subType, version, method, sessionID, broadcasterID string) string {
	m.nextID++
	id := fmt.Sprintf("sub-%03d", m.nextID)
	transport := map[string]string{"method": method}
	if sessionID != "" {
		transport["session_id"] = sessionID
	}
	m.subs[id] = MockSubscription{
		CreatedAt: time.Now().UTC(),
		Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		Transport: transport,
		ID:        id,
		Type:      subType,
		Version:   version,
		Status:    "enabled",
	}
	return id
}

// Subscriptions returns the current subscriptions ordered by id.
func (m *MockTwitchServer) Subscriptions() []MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Deleted returns the ids removed through the API, in call order.
func (m *MockTwitchServer) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

func (m *MockTwitchServer) sortedLocked() []MockSubscription {
	out := make([]MockSubscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockTwitchServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" || r.Header.Get("Client-Id") == "" {
		writeMockJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing credentials"})
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		all := m.sortedLocked()
		start, _ := strconv.Atoi(r.URL.Query().Get("after"))
		if start < 0 || start > len(all) {
			start = len(all)
		}
		end := len(all)
		if m.PageSize > 0 && start+m.PageSize < end {
			end = start + m.PageSize
		}
		cursor := ""
		if end < len(all) {
			cursor = strconv.Itoa(end)
		}
		writeMockJSON(w, http.StatusOK, map[string]any{
			"data":       all[start:end],
			"total":      len(all),
			"pagination": map[string]string{"cursor": cursor},
		})
	case http.MethodPost:
		var req struct {
			Condition map[string]string `json:"condition"`
			Transport map[string]string `json:"transport"`
			Type      string            `json:"type"`
			Version   string            `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
			writeMockJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
			return
		}
		id := m.addLocked(req.Type, req.Version, req.Transport["method"], req.Transport["session_id"], req.Condition["broadcaster_user_id"])
		writeMockJSON(w, http.StatusAccepted, map[string]any{"data": []MockSubscription{m.subs[id]}})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if _, ok := m.subs[id]; !ok {
			writeMockJSON(w, http.StatusNotFound, map[string]string{"message": "subscription not found"})
			return
		}
		delete(m.subs, id)
		m.deletes = append(m.deletes, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
