package trading

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOrder is returned for malformed order input.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientBalance is returned when a BUY costs more than the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientPosition is returned when a SELL would push a
	// position below zero.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrOrderNotFound is returned for lookups of unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPositionNotFound is returned when no open position exists for
	// a symbol.
	ErrPositionNotFound = errors.New("position not found")

	// ErrInvalidState is returned when an order cannot leave its
	// current status, e.g. cancelling a FILLED order.
	ErrInvalidState = errors.New("invalid order state")
)

// RiskRejectedError carries the risk engine's rejection reasons back to
// the caller. The corresponding risk.alert event has already been
// published by the engine as a side channel.
type RiskRejectedError struct {
	Score   float64
	Reasons []string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("trade rejected by risk engine (score %.0f): %v", e.Score, e.Reasons)
}

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) valid() bool { return s == Buy || s == Sell }

// OrderType distinguishes immediate fills from resting orders.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus lifecycle: PENDING moves to FILLED or CANCELLED, both
// terminal. Market orders are born FILLED.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Order is one order record. Records are append-only history; status is
// the only mutable field, and only PENDING orders change.
type Order struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	Type      OrderType   `json:"type"`
	Status    OrderStatus `json:"status"`
	StopLoss  float64     `json:"stopLoss,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// OrderOptions are the optional knobs for order placement, modeled as
// named fields rather than an open property bag.
type OrderOptions struct {
	// SkipRiskCheck bypasses the risk gate. Reserved for emergency
	// exits such as stop-loss execution; entries must never set it.
	SkipRiskCheck bool

	// StopLoss, when positive, arms a stop on the resulting position.
	StopLoss float64

	// Volatility (0-1) feeds the risk engine's volatility check.
	Volatility float64
}
