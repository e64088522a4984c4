package store

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Bounds is the inclusive range every ledger value is clamped into.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultBounds is [-5, 5].
func DefaultBounds() Bounds {
	return Bounds{Min: decimal.NewFromInt(-5), Max: decimal.NewFromInt(5)}
}

// NewBounds validates min < max.
func NewBounds(lo, hi decimal.Decimal) (Bounds, error) {
	if !lo.LessThan(hi) {
		return Bounds{}, fmt.Errorf("invalid bounds: min %s must be below max %s", lo, hi)
	}
	return Bounds{Min: lo, Max: hi}, nil
}

// Clamp returns v limited to [Min, Max].
func (b Bounds) Clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(b.Min) {
		return b.Min
	}
	if v.GreaterThan(b.Max) {
		return b.Max
	}
	return v
}

func (b Bounds) String() string {
	return "[" + b.Min.String() + "," + b.Max.String() + "]"
}
