package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/karma-tender/ledger"
)

func (h *Handlers) adminResult(w http.ResponseWriter, c ledger.Change, err error) {
	switch {
	case errors.Is(err, ledger.ErrEmptyUser), errors.Is(err, ledger.ErrZeroDelta):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, viewChange(c))
	}
}

// HandleAdminReset sets a user back to zero.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.Reset(r.Context(), chi.URLParam(r, "user"))
	h.adminResult(w, c, err)
}

// HandleAdminSet overwrites a user's value. Body: {"value": <decimal>}.
func (h *Handlers) HandleAdminSet(w http.ResponseWriter, r *http.Request) {
	v, err := decimalField(r, "value")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.Ledger.Set(r.Context(), chi.URLParam(r, "user"), v)
	h.adminResult(w, c, err)
}

// HandleAdminAdd adjusts a user's value. Body: {"delta": <non-zero decimal>}.
func (h *Handlers) HandleAdminAdd(w http.ResponseWriter, r *http.Request) {
	d, err := decimalField(r, "delta")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.Ledger.Add(r.Context(), chi.URLParam(r, "user"), d)
	h.adminResult(w, c, err)
}
