package trading

import "time"

// PositionSide of an open position. The core only opens LONG positions
// today; SHORT exists so the stop-loss rule stays symmetric.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Position is the per-symbol holding. Quantity is never negative; at
// zero the position is removed and re-created on the next BUY.
type Position struct {
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`

	Quantity float64 `json:"quantity"`

	// EntryPrice is the volume-weighted average entry price.
	// Updated on each BUY: (oldEntry*oldQty + fillPrice*fillQty) / newQty
	EntryPrice float64 `json:"entryPrice"`

	StopLoss float64   `json:"stopLoss,omitempty"`
	OpenedAt time.Time `json:"openedAt"`
}

// applyBuy folds a fill into the volume-weighted entry price.
func (p *Position) applyBuy(qty, price float64) {
	total := p.EntryPrice*p.Quantity + price*qty
	p.Quantity += qty
	p.EntryPrice = total / p.Quantity
}

// Notional returns the position value at the given price.
func (p *Position) Notional(price float64) float64 {
	return p.Quantity * price
}

// UnrealizedPnL computes mark-to-market profit for a LONG position.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	return (markPrice - p.EntryPrice) * p.Quantity
}

func (p *Position) clone() *Position {
	cp := *p
	return &cp
}
