package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/karma-tender/eventsub"
)

// HandleHealthz responds to liveness probe requests by checking store connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the store answers, a broadcaster grant is
// stored and the event stream has an open session.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.Store.Ping(r.Context()) }},
		{"credentials", func() error {
			if h.Tokens == nil {
				return errors.New("token store not configured")
			}
			_, err := h.Tokens.Tokens(r.Context())
			return err
		}},
		{"eventsub", func() error {
			if h.Session == nil {
				return errors.New("event stream not configured")
			}
			if s := h.Session.State(); s.State != eventsub.StateOpen {
				return fmt.Errorf("session %s", s.State)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the session state and broadcaster identity.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"eventsub": eventsub.SessionState{State: eventsub.StateClosed}}
	if h.Session != nil {
		out["eventsub"] = h.Session.State()
	}
	if h.Tokens != nil {
		if t, err := h.Tokens.Tokens(r.Context()); err == nil {
			out["broadcaster"] = map[string]any{
				"login":      t.BroadcasterLogin,
				"id":         t.BroadcasterID,
				"expires_at": t.ExpiresAt,
				"scope":      t.Scope,
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleConfig returns the non-secret runtime settings.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	out := h.Settings
	if out == nil {
		out = map[string]any{}
	}
	writeJSON(w, http.StatusOK, out)
}
