package domain

import (
	"fmt"
	"strings"
)

// CanonicalInstrument normalizes an FX pair to six upper-case letters.
// Accepts "EURUSD", "eur/usd", "EUR_USD", "EUR-USD" and venue-prefixed
// forms such as "OANDA:EUR_USD".
func CanonicalInstrument(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.NewReplacer("/", "", "_", "", "-", "", " ", "").Replace(s)
	if len(s) != 6 {
		return "", fmt.Errorf("%w: instrument %q is not a currency pair", ErrConfig, s)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: instrument %q is not a currency pair", ErrConfig, s)
		}
	}
	return s, nil
}

// NormalizeInstruments canonicalizes and de-duplicates, preserving order.
func NormalizeInstruments(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		u, err := CanonicalInstrument(s)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// SplitInstrument returns base and quote currency of a canonical pair.
func SplitInstrument(instrument string) (base, quote string) {
	if len(instrument) != 6 {
		return instrument, ""
	}
	return instrument[:3], instrument[3:]
}
