// Package rewards resolves channel point reward titles to ledger deltas.
//
// Titles are matched loosely: case, accents, surrounding whitespace and
// decorative emoji do not matter, so "HEAL 💓", "héal" and "heal💓" all
// resolve to the same configured delta.
package rewards

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/karma-tender/telemetry"
)

// ErrInvalidMapping is returned when a configured mapping cannot be parsed.
var ErrInvalidMapping = errors.New("invalid reward mapping")

// DefaultMapping returns the built-in title to delta table.
func DefaultMapping() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"heal💓":        decimal.RequireFromString("0.25"),
		"heal":         decimal.RequireFromString("0.25"),
		"eat🍏":         decimal.RequireFromString("0.15"),
		"eat":          decimal.RequireFromString("0.15"),
		"hydrate💧":     decimal.RequireFromString("0.10"),
		"hydrate":      decimal.RequireFromString("0.10"),
		"🔥👋A Hello!👋🔥": decimal.RequireFromString("0.05"),
		"hello":        decimal.RequireFromString("0.05"),
		"bleed🩸":       decimal.RequireFromString("-0.25"),
		"bleed":        decimal.RequireFromString("-0.25"),
		"thirst🥵":      decimal.RequireFromString("-0.15"),
		"thirst":       decimal.RequireFromString("-0.15"),
		"hunger🦴":      decimal.RequireFromString("-0.10"),
		"hunger":       decimal.RequireFromString("-0.10"),
	}
}

// Source names where an operator-supplied mapping comes from. JSON wins over
// File; both empty selects DefaultMapping.
type Source struct {
	JSON string
	File string
}

// LoadMapping reads the raw mapping described by src.
func LoadMapping(src Source) (map[string]decimal.Decimal, error) {
	switch {
	case strings.TrimSpace(src.JSON) != "":
		var m map[string]decimal.Decimal
		if err := json.Unmarshal([]byte(src.JSON), &m); err != nil {
			return nil, fmt.Errorf("%w: REWARD_MAP_JSON: %v", ErrInvalidMapping, err)
		}
		return m, nil
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("read reward map %s: %w", src.File, err)
		}
		return parseYAML(data)
	default:
		return DefaultMapping(), nil
	}
}

// parseYAML accepts YAML or JSON objects of title: delta.
func parseYAML(data []byte) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for title, v := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidMapping, title, err)
		}
		out[title] = d
	}
	return out, nil
}

// Resolver maps reward titles to deltas. It is immutable after construction
// and safe for concurrent use.
type Resolver struct {
	table map[string]decimal.Decimal
}

// NewResolver indexes every raw key under its normalized form and its
// emoji-stripped normalized form. Keys are applied in sorted order so that
// collisions resolve the same way on every load.
func NewResolver(raw map[string]decimal.Decimal) *Resolver {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := make(map[string]decimal.Decimal, 2*len(raw))
	for _, k := range keys {
		v := raw[k]
		nk := Normalize(k)
		if nk != "" {
			table[nk] = v
		}
		if sk := StripEmoji(nk); sk != "" {
			table[sk] = v
		}
	}
	return &Resolver{table: table}
}

// Resolve returns the delta for title, or zero when the title is unmapped.
func (r *Resolver) Resolve(title string) decimal.Decimal {
	nk := Normalize(title)
	if v, ok := r.table[nk]; ok {
		return v
	}
	if v, ok := r.table[StripEmoji(nk)]; ok {
		return v
	}
	telemetry.IncUnmapped()
	slog.Debug("reward title not mapped", slog.String("title", title), slog.String("component", "rewards"))
	return decimal.Zero
}

// Len is the number of lookup keys, including emoji-stripped aliases.
func (r *Resolver) Len() int { return len(r.table) }
