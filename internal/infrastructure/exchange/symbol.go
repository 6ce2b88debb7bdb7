package exchange

import (
	"strings"

	"fxstream/internal/domain"
)

// InstrumentConverter 在 canonical instrument 与 venue 符号之间转换
type InstrumentConverter interface {
	// ToVenue 例: EURUSD -> EUR_USD, EURUSD -> OANDA:EUR_USD
	ToVenue(instrument string) string
	// FromVenue 例: EUR_USD -> EURUSD, OANDA:EUR_USD -> EURUSD
	FromVenue(symbol string) (string, error)
}

// PairConverter 以 "BASE<sep>QUOTE" 形式表示货币对，可带 venue 前缀
type PairConverter struct {
	prefix string
	sep    string
}

// NewPairConverter 创建转换器；prefix 为空时不加前缀
func NewPairConverter(prefix, sep string) *PairConverter {
	return &PairConverter{prefix: strings.ToUpper(strings.TrimSpace(prefix)), sep: sep}
}

func (c *PairConverter) ToVenue(instrument string) string {
	base, quote := domain.SplitInstrument(instrument)
	sym := base + c.sep + quote
	if c.prefix != "" {
		return c.prefix + ":" + sym
	}
	return sym
}

func (c *PairConverter) FromVenue(symbol string) (string, error) {
	return domain.CanonicalInstrument(symbol)
}

// ToVenueAll converts a list, preserving order.
func ToVenueAll(c InstrumentConverter, instruments []string) []string {
	out := make([]string, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, c.ToVenue(in))
	}
	return out
}
