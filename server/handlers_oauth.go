package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/karma-tender/store"
	"github.com/onnwee/karma-tender/telemetry"
	"github.com/onnwee/karma-tender/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.OAuth.ClientID == "" || h.OAuth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st, h.now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending logins", http.StatusServiceUnavailable)
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(h.OAuth, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the broadcaster grant
// and (re)starts the event stream for that broadcaster.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if h.OAuth == nil || h.Tokens == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := twitchapi.ExchangeAuthCode(ctx, h.OAuth, code)
	if err != nil {
		log.Error("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, "auth error", http.StatusInternalServerError)
		return
	}
	grant := store.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        twitchapi.TokenScopes(tok),
		ObtainedAt:   h.now().UTC(),
		ExpiresAt:    twitchapi.ComputeExpiry(tok),
	}
	if h.LookupUser != nil {
		u, err := h.LookupUser(ctx, tok.AccessToken)
		if err != nil {
			log.Error("broadcaster lookup failed", slog.Any("err", err))
			http.Error(w, "auth error", http.StatusInternalServerError)
			return
		}
		grant.BroadcasterLogin = strings.ToLower(u.Login)
		grant.BroadcasterID = u.ID
	}
	if err := h.Tokens.Save(ctx, grant); err != nil {
		log.Error("persist broadcaster tokens failed", slog.Any("err", err))
		http.Error(w, "auth error", http.StatusInternalServerError)
		return
	}
	log.Info("broadcaster authorized", slog.String("broadcaster", grant.BroadcasterLogin), slog.Any("scopes", grant.Scope))

	started := false
	if h.Session != nil && grant.BroadcasterID != "" {
		// The session outlives this request, so it runs on the server context.
		if err := h.Session.Restart(h.ctx, grant.BroadcasterID); err != nil {
			log.Error("event stream restart failed", slog.Any("err", err))
		} else {
			started = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"broadcaster": grant.BroadcasterLogin,
		"scopes":      grant.Scope,
		"expires_at":  grant.ExpiresAt,
		"eventsub":    started,
	})
}
