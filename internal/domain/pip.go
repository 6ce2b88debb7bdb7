package domain

import (
	"github.com/shopspring/decimal"
)

var (
	defaultPip    = decimal.RequireFromString("0.0001")
	defaultJPYPip = decimal.RequireFromString("0.01")
)

// PipRegistry maps instrument to pip size. It is read-only once built and
// only used for display rounding, never for merge correctness.
type PipRegistry struct {
	pips map[string]decimal.Decimal
}

// NewPipRegistry builds a registry from overrides; unknown instruments fall
// back to FX defaults (0.01 for JPY-quoted pairs, 0.0001 otherwise).
func NewPipRegistry(overrides map[string]float64) *PipRegistry {
	r := &PipRegistry{pips: make(map[string]decimal.Decimal, len(overrides))}
	for sym, size := range overrides {
		c, err := CanonicalInstrument(sym)
		if err != nil || size <= 0 {
			continue
		}
		r.pips[c] = decimal.NewFromFloat(size)
	}
	return r
}

// Pip returns the pip size for instrument.
func (r *PipRegistry) Pip(instrument string) decimal.Decimal {
	if r != nil {
		if p, ok := r.pips[instrument]; ok {
			return p
		}
	}
	if _, quote := SplitInstrument(instrument); quote == "JPY" {
		return defaultJPYPip
	}
	return defaultPip
}

// Pipet is one tenth of a pip.
func (r *PipRegistry) Pipet(instrument string) decimal.Decimal {
	return r.Pip(instrument).Shift(-1)
}

// Round rounds price to the instrument's pipet precision.
func (r *PipRegistry) Round(instrument string, price decimal.Decimal) decimal.Decimal {
	places := -r.Pipet(instrument).Exponent()
	if places < 0 {
		places = 0
	}
	return price.Round(places)
}

// Format renders price with exactly pipet precision.
func (r *PipRegistry) Format(instrument string, price decimal.Decimal) string {
	places := -r.Pipet(instrument).Exponent()
	if places < 0 {
		places = 0
	}
	return r.Round(instrument, price).StringFixed(places)
}
