package api

import (
	"github.com/quantavia/tradecore/pkg/events"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /api/v1/orders/market and
// /api/v1/orders/limit.
type PlaceOrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // "BUY" or "SELL"
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`

	SkipRiskCheck bool    `json:"skipRiskCheck,omitempty"`
	StopLoss      float64 `json:"stopLoss,omitempty"`
	Volatility    float64 `json:"volatility,omitempty"`
}

// EvaluateRiskRequest is the payload for POST /api/v1/risk/evaluate.
type EvaluateRiskRequest struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	Volatility float64 `json:"volatility,omitempty"`
}

// PositionSizeRequest is the payload for POST /api/v1/risk/position-size.
type PositionSizeRequest struct {
	Symbol        string  `json:"symbol"`
	CurrentPrice  float64 `json:"currentPrice"`
	StopLossPrice float64 `json:"stopLossPrice"`
	RiskPct       float64 `json:"riskPct,omitempty"` // defaults to 2
}

// PriceMapRequest carries caller-supplied current prices per symbol.
// Used by portfolio valuation and stop-loss checks; the core never
// fetches prices itself.
type PriceMapRequest struct {
	Prices map[string]float64 `json:"prices"`
}

// ExecuteStopLossRequest is the payload for POST /api/v1/stoploss/execute.
type ExecuteStopLossRequest struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"currentPrice"`
}

// ==============================
// REST Response Types
// ==============================

// PortfolioValueResponse is the marked portfolio value.
type PortfolioValueResponse struct {
	Value     float64 `json:"value"`
	Balance   float64 `json:"balance"`
	Positions int     `json:"positions"`
}

// PositionSizeResponse carries the risk-adjusted size.
type PositionSizeResponse struct {
	Symbol string  `json:"symbol"`
	Size   float64 `json:"size"`
}

// ExecuteStopLossResponse carries the exit order and realized PnL.
type ExecuteStopLossResponse struct {
	Order       any     `json:"order"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// TestWebhookResponse carries the delivery attempts of a test send.
type TestWebhookResponse struct {
	WebhookID string                   `json:"webhookId"`
	Success   bool                     `json:"success"`
	Attempts  []events.DeliveryAttempt `json:"attempts"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "events:order.placed"]
}

// EventUpdate is broadcast to websocket clients on every publish.
type EventUpdate struct {
	Type  string        `json:"type"` // "event"
	Event *events.Event `json:"event"`
}
