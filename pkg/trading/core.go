// Package trading owns orders, positions and the demo balance. It is
// the single authority over that state: every mutation runs behind one
// mutex, because position updates are read-modify-write sequences that
// are not safe under concurrent callers.
package trading

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantavia/tradecore/pkg/events"
	"github.com/quantavia/tradecore/pkg/risk"
)

// EventPublisher is the slice of the dispatcher the core needs.
type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, data any) *events.Event
}

// OrderStore persists order records. Nil disables persistence.
type OrderStore interface {
	SaveOrder(o *Order) error
}

// Config for the trading core.
type Config struct {
	InitialBalance float64
	DefaultRiskPct float64 // risk percent used by RiskAdjustedSize when unset
}

func DefaultConfig() Config {
	return Config{InitialBalance: 100000, DefaultRiskPct: 2}
}

// Core is the trading core: order execution, position bookkeeping and
// stop-loss monitoring, with the risk engine consulted before new
// exposure is admitted and every state change published as an event.
type Core struct {
	// Store, when set, persists order records on creation and status
	// change. Assign before use.
	Store OrderStore

	cfg       Config
	engine    *risk.Engine
	publisher EventPublisher
	log       *zap.SugaredLogger

	mu        sync.Mutex
	balance   float64
	orders    []*Order
	byID      map[string]*Order
	positions map[string]*Position
	orderSeq  uint64

	totalTrades  int
	failedTrades int
	totalPnL     float64
	dailyPnL     float64
}

// NewCore wires the core to its collaborators. Both engine and
// publisher are required; the composition root owns their lifetimes.
func NewCore(cfg Config, engine *risk.Engine, publisher EventPublisher, logger *zap.SugaredLogger) *Core {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 100000
	}
	if cfg.DefaultRiskPct <= 0 {
		cfg.DefaultRiskPct = 2
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Core{
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		log:       logger,
		balance:   cfg.InitialBalance,
		byID:      make(map[string]*Order),
		positions: make(map[string]*Position),
	}
}

// closedPosition describes a fully closed position for the
// position.closed event payload.
type closedPosition struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	EntryPrice  float64 `json:"entryPrice"`
	ExitPrice   float64 `json:"exitPrice"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// PlaceMarketOrder validates, risk-gates and immediately fills a market
// order, updating balance, position and tracked exposure, then
// publishes order.placed. A SELL that fully closes the position also
// publishes position.closed carrying the realized PnL.
func (c *Core) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity, price float64, opts OrderOptions) (*Order, error) {
	if err := validateOrderInput(symbol, side, quantity, price); err != nil {
		return nil, err
	}

	if !opts.SkipRiskCheck {
		assessment, err := c.engine.EvaluateTrade(ctx, risk.TradeRequest{
			Symbol:     symbol,
			Size:       quantity,
			Price:      price,
			Volatility: opts.Volatility,
		})
		if err != nil {
			return nil, err
		}
		if !assessment.Approved {
			c.recordFailure()
			return nil, &RiskRejectedError{Score: assessment.Score, Reasons: assessment.Reasons}
		}
	}

	c.mu.Lock()

	cost := quantity * price
	if side == Buy && cost > c.balance {
		c.failedTrades++
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, cost, c.balance)
	}

	var closed *closedPosition
	var pnl float64

	switch side {
	case Buy:
		c.balance -= cost
		pos, ok := c.positions[symbol]
		if !ok {
			pos = &Position{
				Symbol:     symbol,
				Side:       Long,
				Quantity:   quantity,
				EntryPrice: price,
				OpenedAt:   time.Now().UTC(),
			}
			c.positions[symbol] = pos
		} else {
			pos.applyBuy(quantity, price)
		}
		if opts.StopLoss > 0 {
			pos.StopLoss = opts.StopLoss
		}
		c.engine.UpdatePosition(symbol, pos.Notional(price))

	case Sell:
		pos, ok := c.positions[symbol]
		if !ok || pos.Quantity < quantity {
			held := 0.0
			if ok {
				held = pos.Quantity
			}
			c.failedTrades++
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: selling %.8f, holding %.8f", ErrInsufficientPosition, quantity, held)
		}

		c.balance += cost
		pnl = (price - pos.EntryPrice) * quantity
		c.totalPnL += pnl
		c.dailyPnL += pnl

		pos.Quantity -= quantity
		if pos.Quantity == 0 {
			closed = &closedPosition{
				Symbol:      symbol,
				Quantity:    quantity,
				EntryPrice:  pos.EntryPrice,
				ExitPrice:   price,
				RealizedPnL: pnl,
			}
			delete(c.positions, symbol)
			c.engine.UpdatePosition(symbol, 0)
		} else {
			c.engine.UpdatePosition(symbol, pos.Notional(price))
		}
	}

	order := c.appendOrderLocked(symbol, side, quantity, price, Market, StatusFilled, opts.StopLoss)
	c.totalTrades++
	c.mu.Unlock()

	c.persistOrder(order)
	c.log.Infow("order_filled",
		"id", order.ID, "symbol", symbol, "side", side, "qty", quantity, "price", price)

	// Publishing happens outside the state lock: delivery blocks until
	// every subscriber's retry budget is spent.
	c.publish(ctx, events.KindOrderPlaced, order)

	if closed != nil {
		if closed.RealizedPnL < 0 {
			c.engine.RecordLoss(closed.RealizedPnL)
		}
		c.log.Infow("position_closed",
			"symbol", symbol, "pnl", closed.RealizedPnL)
		c.publish(ctx, events.KindPositionClosed, closed)
	}

	return order, nil
}

// PlaceLimitOrder records a PENDING order. No balance, position or risk
// effect: the order rests until matched externally or cancelled.
func (c *Core) PlaceLimitOrder(ctx context.Context, symbol string, side Side, quantity, price float64, opts OrderOptions) (*Order, error) {
	if err := validateOrderInput(symbol, side, quantity, price); err != nil {
		return nil, err
	}

	c.mu.Lock()
	order := c.appendOrderLocked(symbol, side, quantity, price, Limit, StatusPending, opts.StopLoss)
	c.mu.Unlock()

	c.persistOrder(order)
	c.log.Infow("limit_order_placed",
		"id", order.ID, "symbol", symbol, "side", side, "qty", quantity, "price", price)
	c.publish(ctx, events.KindOrderPlaced, order)

	return order, nil
}

// CancelOrder transitions a PENDING order to CANCELLED. FILLED is
// terminal and cannot be cancelled.
func (c *Core) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	c.mu.Lock()
	order, ok := c.byID[orderID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != StatusPending {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
	}
	order.Status = StatusCancelled
	snapshot := *order
	c.mu.Unlock()

	c.persistOrder(&snapshot)
	c.log.Infow("order_cancelled", "id", orderID)
	c.publish(ctx, events.KindOrderCancelled, &snapshot)

	return &snapshot, nil
}

// CheckStopLoss returns the open positions whose stop has been breached
// at the supplied prices. Pure query: execution is left to the caller.
func (c *Core) CheckStopLoss(currentPrices map[string]float64) []*Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	var triggered []*Position
	for symbol, pos := range c.positions {
		price, ok := currentPrices[symbol]
		if !ok || pos.StopLoss <= 0 {
			continue
		}
		if c.engine.CheckStopLoss(string(pos.Side), pos.StopLoss, price) {
			triggered = append(triggered, pos.clone())
		}
	}
	return triggered
}

// ExecuteStopLoss exits the full position at the current price with the
// risk gate bypassed: a stop-loss exit must never be blocked by the
// same gate that governs entries. Returns the order and realized PnL.
func (c *Core) ExecuteStopLoss(ctx context.Context, symbol string, currentPrice float64) (*Order, float64, error) {
	c.mu.Lock()
	pos, ok := c.positions[symbol]
	if !ok {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	quantity := pos.Quantity
	entry := pos.EntryPrice
	c.mu.Unlock()

	c.log.Warnw("stop_loss_triggered",
		"symbol", symbol, "qty", quantity, "price", currentPrice)

	order, err := c.PlaceMarketOrder(ctx, symbol, Sell, quantity, currentPrice, OrderOptions{SkipRiskCheck: true})
	if err != nil {
		return nil, 0, err
	}
	return order, (currentPrice - entry) * quantity, nil
}

// RiskAdjustedSize computes the engine's risk-budgeted quantity for an
// entry at currentPrice with a stop at stopLossPrice, clamped to what
// the current balance can afford.
func (c *Core) RiskAdjustedSize(symbol string, currentPrice, stopLossPrice, riskPct float64) (float64, error) {
	if currentPrice <= 0 {
		return 0, fmt.Errorf("%w: current price must be positive", risk.ErrInvalidParameter)
	}
	if stopLossPrice <= 0 {
		return 0, fmt.Errorf("%w: stop-loss price must be positive", risk.ErrInvalidParameter)
	}
	if riskPct <= 0 {
		riskPct = c.cfg.DefaultRiskPct
	}

	stopDistance := math.Abs(currentPrice - stopLossPrice)

	c.mu.Lock()
	balance := c.balance
	c.mu.Unlock()

	size, err := c.engine.PositionSize(balance, riskPct, stopDistance)
	if err != nil {
		return 0, err
	}
	return math.Min(size, balance/currentPrice), nil
}

// Position returns one open position.
func (c *Core) Position(symbol string) (*Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	return pos.clone(), nil
}

// Positions returns all open positions.
func (c *Core) Positions() []*Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, pos.clone())
	}
	return out
}

// OrderHistory returns recorded orders, optionally filtered by symbol,
// newest last. limit <= 0 returns everything.
func (c *Core) OrderHistory(symbol string, limit int) []*Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Order
	for _, o := range c.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		snapshot := *o
		out = append(out, &snapshot)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Order returns one order record by id.
func (c *Core) Order(orderID string) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.byID[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	snapshot := *o
	return &snapshot, nil
}

// Balance returns the available demo balance.
func (c *Core) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// PortfolioValue marks all open positions against the supplied prices.
// Positions without a quote fall back to their entry price.
func (c *Core) PortfolioValue(currentPrices map[string]float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.balance
	for symbol, pos := range c.positions {
		price, ok := currentPrices[symbol]
		if !ok {
			price = pos.EntryPrice
		}
		total += pos.Notional(price)
	}
	return total
}

func (c *Core) appendOrderLocked(symbol string, side Side, quantity, price float64, typ OrderType, status OrderStatus, stopLoss float64) *Order {
	c.orderSeq++
	order := &Order{
		ID:        fmt.Sprintf("ord-%d-%d", c.orderSeq, time.Now().UnixMilli()),
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Type:      typ,
		Status:    status,
		StopLoss:  stopLoss,
		CreatedAt: time.Now().UTC(),
	}
	c.orders = append(c.orders, order)
	c.byID[order.ID] = order

	snapshot := *order
	return &snapshot
}

func (c *Core) publish(ctx context.Context, kind events.Kind, data any) {
	if c.publisher != nil {
		c.publisher.Publish(ctx, kind, data)
	}
}

func (c *Core) persistOrder(o *Order) {
	if c.Store == nil {
		return
	}
	if err := c.Store.SaveOrder(o); err != nil {
		c.log.Errorw("order_persist_failed", "id", o.ID, "err", err)
	}
}

func (c *Core) recordFailure() {
	c.mu.Lock()
	c.failedTrades++
	c.mu.Unlock()
}

func validateOrderInput(symbol string, side Side, quantity, price float64) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if !side.valid() {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}
