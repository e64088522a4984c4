package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 16

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// writeError writes {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decimalField reads one decimal member of a small JSON body. Both JSON
// numbers and numeric strings are accepted.
func decimalField(r *http.Request, name string) (decimal.Decimal, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("invalid json: %w", err)
	}
	raw, ok := body[name]
	if !ok || string(raw) == "null" {
		return decimal.Zero, fmt.Errorf("body { %s } required", name)
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, errors.New(name + " must be a decimal number")
	}
	return d, nil
}
