package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/broadcast"
	"github.com/onnwee/karma-tender/ledger"
	"github.com/onnwee/karma-tender/store"
)

// sseKeepalive is how often an idle event stream gets a comment line so
// proxies keep it open.
var sseKeepalive = 25 * time.Second

// number renders a decimal as a bare JSON number.
func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

type pendingView struct {
	CreatedAt     time.Time    `json:"at"`
	User          string       `json:"user"`
	Title         string       `json:"title"`
	RewardID      string       `json:"reward_id,omitempty"`
	BroadcasterID string       `json:"broadcaster_id,omitempty"`
	Status        store.Status `json:"status"`
	Delta         json.Number  `json:"delta"`
}

type changeView struct {
	User  string      `json:"user"`
	Value json.Number `json:"value"`
	Delta json.Number `json:"delta"`
}

func viewChange(c ledger.Change) changeView {
	return changeView{User: c.User, Value: number(c.Value), Delta: number(c.Delta)}
}

// HandleKarmaList returns every user's value.
func (h *Handlers) HandleKarmaList(w http.ResponseWriter, r *http.Request) {
	all, err := h.Ledger.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]json.Number, len(all))
	for user, v := range all {
		out[user] = number(v)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleKarmaPending returns the redemptions awaiting a terminal status.
func (h *Handlers) HandleKarmaPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Store.PendingAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]pendingView, len(pending))
	for id, p := range pending {
		out[id] = pendingView{
			CreatedAt:     p.CreatedAt,
			User:          p.User,
			Title:         p.Title,
			RewardID:      p.RewardID,
			BroadcasterID: p.BroadcasterID,
			Status:        p.Status,
			Delta:         number(p.Delta),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleKarmaUser returns one user's value; unseen users read as zero.
func (h *Handlers) HandleKarmaUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	v, err := h.Ledger.Get(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": ledger.NormalizeUser(user), "value": number(v)})
}

// HandleKarmaEvents streams ledger updates as Server-Sent Events. Only
// updates published after the client connects are delivered.
func (h *Handlers) HandleKarmaEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := h.Hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err), slog.String("component", "http"))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + broadcast.EventName + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
