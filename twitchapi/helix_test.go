package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing Authorization header")
		}
		h(w, r)
	}))
	t.Cleanup(server.Close)
	return &HelixClient{
		Tokens:     StaticToken("test-token"),
		ClientID:   "test-client-id",
		HTTPClient: server.Client(),
		BaseURL:    server.URL + "/helix",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test response
}

func TestHelixClient_GetUser(t *testing.T) {
	tests := []struct {
		response    any
		name        string
		wantID      string
		errContains string
		statusCode  int
	}{
		{
			name:       "token owner",
			response:   map[string]any{"data": []map[string]string{{"id": "12345", "login": "doomz"}}},
			statusCode: http.StatusOK,
			wantID:     "12345",
		},
		{
			name:        "user not found",
			response:    map[string]any{"data": []map[string]string{}},
			statusCode:  http.StatusOK,
			errContains: "user not found",
		},
		{
			name:        "unauthorized",
			response:    map[string]string{"message": "invalid token"},
			statusCode:  http.StatusUnauthorized,
			errContains: "401",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/helix/users" {
					t.Errorf("path = %s", r.URL.Path)
				}
				writeJSON(w, tt.statusCode, tt.response)
			})
			u, err := hc.GetUser(context.Background())
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("GetUser() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUser() error = %v", err)
			}
			if u.ID != tt.wantID {
				t.Errorf("GetUser().ID = %s, want %s", u.ID, tt.wantID)
			}
		})
	}
}

func TestHelixClient_CreateSubscription(t *testing.T) {
	hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/helix/eventsub/subscriptions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var req CreateSubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Type != TypeRedemptionAdd || req.Version != "1" ||
			req.Condition.BroadcasterUserID != "b1" ||
			req.Transport.Method != TransportWebSocket || req.Transport.SessionID != "s1" {
			t.Errorf("unexpected request %+v", req)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]any{{
			"id": "sub-1", "type": req.Type, "version": "1", "status": "enabled",
			"condition": req.Condition, "transport": req.Transport,
		}}})
	})

	sub, err := hc.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		Type:      TypeRedemptionAdd,
		Version:   "1",
		Condition: Condition{BroadcasterUserID: "b1"},
		Transport: Transport{Method: TransportWebSocket, SessionID: "s1"},
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if sub.ID != "sub-1" || sub.Transport.SessionID != "s1" {
		t.Errorf("CreateSubscription() = %+v", sub)
	}
}

func TestHelixClient_CreateSubscriptionRejected(t *testing.T) {
	hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "subscription already exists"})
	})
	_, err := hc.CreateSubscription(context.Background(), CreateSubscriptionRequest{Type: TypeRedemptionUpdate, Version: "1", Transport: Transport{Method: TransportWebSocket}})
	if !IsStatus(err, http.StatusConflict) {
		t.Fatalf("CreateSubscription() error = %v, want 409 APIError", err)
	}
}

func TestHelixClient_ListSubscriptionsPagination(t *testing.T) {
	pages := map[string]map[string]any{
		"": {
			"data":       []map[string]any{{"id": "a", "type": TypeRedemptionAdd}},
			"pagination": map[string]string{"cursor": "c1"},
		},
		"c1": {
			"data":       []map[string]any{{"id": "b", "type": TypeRedemptionUpdate}},
			"pagination": map[string]string{"cursor": "c2"},
		},
		"c2": {
			"data":       []map[string]any{{"id": "c", "type": "stream.online"}},
			"pagination": map[string]string{},
		},
	}
	var calls int32
	hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		page, ok := pages[r.URL.Query().Get("after")]
		if !ok {
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
		writeJSON(w, http.StatusOK, page)
	})

	subs, err := hc.ListSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("ListSubscriptions() returned %d subs, want 3", len(subs))
	}
	got := fmt.Sprint(subs[0].ID, subs[1].ID, subs[2].ID)
	if got != "abc" {
		t.Errorf("order = %q", got)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestHelixClient_DeleteSubscription(t *testing.T) {
	var deleted string
	hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		deleted = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusNoContent)
	})
	if err := hc.DeleteSubscription(context.Background(), "sub-9"); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}
	if deleted != "sub-9" {
		t.Errorf("deleted id = %q", deleted)
	}
	if err := hc.DeleteSubscription(context.Background(), ""); err == nil {
		t.Error("DeleteSubscription(\"\") should fail")
	}
}

type refreshingProvider struct {
	token     string
	refreshed int32
}

func (p *refreshingProvider) AccessToken(context.Context) (string, error) { return p.token, nil }

func (p *refreshingProvider) ForceRefresh(context.Context) (string, error) {
	atomic.AddInt32(&p.refreshed, 1)
	p.token = "fresh-token"
	return p.token, nil
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	hc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": "1", "login": "doomz"}}})
	})
	p := &refreshingProvider{token: "stale-token"}
	hc.Tokens = p

	u, err := hc.GetUser(context.Background())
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.Login != "doomz" || p.refreshed != 1 {
		t.Errorf("user = %+v refreshed = %d", u, p.refreshed)
	}
}

func TestStaticToken_Empty(t *testing.T) {
	if _, err := StaticToken("").AccessToken(context.Background()); err == nil {
		t.Error("empty StaticToken should error")
	}
}
