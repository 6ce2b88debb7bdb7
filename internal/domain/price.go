package domain

import "github.com/shopspring/decimal"

// Direction represents the price movement direction
type Direction int

const (
	DirectionSame Direction = 0
	DirectionUp   Direction = +1
	DirectionDown Direction = -1
)

// PriceState holds the display state of one side of one venue's quote
type PriceState struct {
	Value     decimal.Decimal
	HasValue  bool
	Direction Direction
}

// Update applies a new price and reports whether it changed.
func (ps *PriceState) Update(price decimal.NullDecimal) bool {
	if !price.Valid {
		return false
	}
	if !ps.HasValue {
		ps.HasValue = true
		ps.Value = price.Decimal
		ps.Direction = DirectionSame
		return true
	}
	switch price.Decimal.Cmp(ps.Value) {
	case 1:
		ps.Direction = DirectionUp
	case -1:
		ps.Direction = DirectionDown
	default:
		ps.Direction = DirectionSame
		return false
	}
	ps.Value = price.Decimal
	return true
}
