package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultClockSkew is how far a venue timestamp may run ahead of the ingest
// time before the tick is flagged.
const DefaultClockSkew = 3 * time.Second

// Tick is one normalized quote or trade observation. It is passed by value
// and never mutated after the supervisor stamps it.
type Tick struct {
	Instrument string // canonical, e.g. "EURUSD"
	Venue      string // origin venue identifier, e.g. "OANDA"

	VenueTime  time.Time // as reported by the venue
	IngestTime time.Time // when the gateway received it

	Bid decimal.NullDecimal
	Ask decimal.NullDecimal

	Sequence uint64 // per-venue, assigned on receipt
	Skewed   bool   // VenueTime ahead of IngestTime beyond tolerance
}

// NewQuote builds a two-sided tick. Either side may be absent.
func NewQuote(instrument string, ts time.Time, bid, ask decimal.NullDecimal) (Tick, error) {
	t := Tick{Instrument: instrument, VenueTime: ts, Bid: bid, Ask: ask}
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}
	return t, nil
}

// NewTrade builds a tick from an executed trade; the trade price is used
// for both sides.
func NewTrade(instrument string, ts time.Time, price decimal.Decimal) (Tick, error) {
	p := decimal.NewNullDecimal(price)
	return NewQuote(instrument, ts, p, p)
}

var (
	errNoPrice     = errors.New("no bid or ask")
	errNoTimestamp = errors.New("missing timestamp")
	errNoSymbol    = errors.New("missing instrument")
	errCrossed     = errors.New("bid above ask")
)

// Validate checks the price invariants: at least one side, every present
// side strictly positive, bid <= ask when both are present.
func (t Tick) Validate() error {
	if t.Instrument == "" {
		return errNoSymbol
	}
	if t.VenueTime.IsZero() {
		return errNoTimestamp
	}
	if !t.Bid.Valid && !t.Ask.Valid {
		return errNoPrice
	}
	if t.Bid.Valid && !t.Bid.Decimal.IsPositive() {
		return fmt.Errorf("bid out of range: %s", t.Bid.Decimal)
	}
	if t.Ask.Valid && !t.Ask.Decimal.IsPositive() {
		return fmt.Errorf("ask out of range: %s", t.Ask.Decimal)
	}
	if t.Bid.Valid && t.Ask.Valid && t.Bid.Decimal.GreaterThan(t.Ask.Decimal) {
		return fmt.Errorf("%w: %s > %s", errCrossed, t.Bid.Decimal, t.Ask.Decimal)
	}
	return nil
}

// Stamp returns a copy tagged with its origin, sequence and ingest time.
// Skew is flagged, never dropped.
func (t Tick) Stamp(venue string, seq uint64, ingest time.Time, tolerance time.Duration) Tick {
	t.Venue = venue
	t.Sequence = seq
	t.IngestTime = ingest
	t.Skewed = t.VenueTime.After(ingest.Add(tolerance))
	return t
}

// Mid returns (bid+ask)/2, or the single present side.
func (t Tick) Mid() (decimal.Decimal, bool) {
	switch {
	case t.Bid.Valid && t.Ask.Valid:
		return t.Bid.Decimal.Add(t.Ask.Decimal).Div(decimal.NewFromInt(2)), true
	case t.Bid.Valid:
		return t.Bid.Decimal, true
	case t.Ask.Valid:
		return t.Ask.Decimal, true
	}
	return decimal.Zero, false
}

// Before orders ticks by venue time, then venue identifier, then sequence.
func (t Tick) Before(o Tick) bool {
	if !t.VenueTime.Equal(o.VenueTime) {
		return t.VenueTime.Before(o.VenueTime)
	}
	if t.Venue != o.Venue {
		return t.Venue < o.Venue
	}
	return t.Sequence < o.Sequence
}

func (t Tick) String() string {
	return fmt.Sprintf("%s %s %s bid=%s ask=%s seq=%d",
		t.VenueTime.Format(time.RFC3339Nano), t.Venue, t.Instrument,
		side(t.Bid), side(t.Ask), t.Sequence)
}

func side(d decimal.NullDecimal) string {
	if !d.Valid {
		return "--"
	}
	return d.Decimal.String()
}
