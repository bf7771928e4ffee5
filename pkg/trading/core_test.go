package trading

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/quantavia/tradecore/pkg/events"
	"github.com/quantavia/tradecore/pkg/risk"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, kind events.Kind, data any) *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := &events.Event{Kind: kind, Data: data}
	p.events = append(p.events, ev)
	return ev
}

func (p *capturePublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestCore(t *testing.T) (*Core, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	engine := risk.NewEngine(risk.DefaultConfig(), pub, nil)
	core := NewCore(DefaultConfig(), engine, pub, nil)
	return core, pub
}

func TestMarketBuyOpensPosition(t *testing.T) {
	core, pub := newTestCore(t)
	ctx := context.Background()

	order, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 2, 100, OrderOptions{})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if order.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	if got := core.Balance(); got != 100000-200 {
		t.Errorf("balance = %.2f, want %.2f", got, 100000-200.0)
	}

	pos, err := core.Position("BTC-USDT")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Quantity != 2 || pos.EntryPrice != 100 || pos.Side != Long {
		t.Errorf("position = %+v", pos)
	}

	kinds := pub.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindOrderPlaced {
		t.Errorf("published = %v, want [order.placed]", kinds)
	}
}

func TestMarketBuyAveragesEntryPrice(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 200, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	pos, err := core.Position("BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 2 || pos.EntryPrice != 150 {
		t.Errorf("position = qty %.2f entry %.2f, want qty 2 entry 150", pos.Quantity, pos.EntryPrice)
	}
}

func TestMarketSellClosesPosition(t *testing.T) {
	core, pub := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 2, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, 2, 110, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	// -200 on entry, +220 on exit.
	if got := core.Balance(); got != 100020 {
		t.Errorf("balance = %.2f, want 100020", got)
	}
	if _, err := core.Position("BTC-USDT"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected position removed, got err = %v", err)
	}

	kinds := pub.kinds()
	want := []events.Kind{events.KindOrderPlaced, events.KindOrderPlaced, events.KindPositionClosed}
	if len(kinds) != len(want) {
		t.Fatalf("published = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("published[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	m := core.Metrics()
	if m.TotalPnL != 20 || m.DailyPnL != 20 {
		t.Errorf("pnl = total %.2f daily %.2f, want 20/20", m.TotalPnL, m.DailyPnL)
	}
}

func TestBuySellRoundTripRestoresBalance(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	before := core.Balance()
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 3, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, 3, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	if got := core.Balance(); got != before {
		t.Errorf("balance = %.2f, want %.2f after equal-price round trip", got, before)
	}
	if _, err := core.Position("BTC-USDT"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("position should be removed, err = %v", err)
	}
}

func TestRandomFillSequenceNeverGoesNegative(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var held float64
	for i := 0; i < 200; i++ {
		qty := float64(rng.Intn(5) + 1)
		if rng.Intn(2) == 0 {
			if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, qty, 10, OrderOptions{}); err != nil {
				t.Fatalf("buy %d: %v", i, err)
			}
			held += qty
			continue
		}

		_, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, qty, 10, OrderOptions{})
		if qty > held {
			if !errors.Is(err, ErrInsufficientPosition) {
				t.Fatalf("sell %d beyond holding: err = %v, want ErrInsufficientPosition", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("sell %d: %v", i, err)
		}
		held -= qty
	}

	pos, err := core.Position("BTC-USDT")
	switch {
	case held == 0:
		if !errors.Is(err, ErrPositionNotFound) {
			t.Errorf("held 0 but position survives: %v", err)
		}
	case err != nil:
		t.Fatalf("Position: %v", err)
	case pos.Quantity != held:
		t.Errorf("quantity = %.2f, want %.2f", pos.Quantity, held)
	}
}

func TestPartialSellKeepsPosition(t *testing.T) {
	core, pub := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 4, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, 1, 120, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	pos, err := core.Position("BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 3 || pos.EntryPrice != 100 {
		t.Errorf("position = qty %.2f entry %.2f, want qty 3 entry 100", pos.Quantity, pos.EntryPrice)
	}

	for _, k := range pub.kinds() {
		if k == events.KindPositionClosed {
			t.Error("partial close must not publish position.closed")
		}
	}
}

func TestSellWithoutPosition(t *testing.T) {
	core, _ := newTestCore(t)

	_, err := core.PlaceMarketOrder(context.Background(), "BTC-USDT", Sell, 1, 100, OrderOptions{})
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Errorf("err = %v, want ErrInsufficientPosition", err)
	}
	if core.Metrics().FailedTrades != 1 {
		t.Errorf("failedTrades = %d, want 1", core.Metrics().FailedTrades)
	}
}

func TestBuyInsufficientBalance(t *testing.T) {
	pub := &capturePublisher{}
	engine := risk.NewEngine(risk.DefaultConfig(), pub, nil)
	core := NewCore(Config{InitialBalance: 50, DefaultRiskPct: 2}, engine, pub, nil)

	_, err := core.PlaceMarketOrder(context.Background(), "BTC-USDT", Buy, 1, 100, OrderOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := core.Balance(); got != 50 {
		t.Errorf("balance mutated on failed order: %.2f", got)
	}
}

func TestRiskGateRejectsOversizedOrder(t *testing.T) {
	core, pub := newTestCore(t)

	_, err := core.PlaceMarketOrder(context.Background(), "BTC-USDT", Buy, 5, 10000, OrderOptions{})
	var rejected *RiskRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RiskRejectedError", err)
	}
	if rejected.Score < 50 {
		t.Errorf("score = %.0f, want >= 50", rejected.Score)
	}

	kinds := pub.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindRiskAlert {
		t.Errorf("published = %v, want [risk.alert]", kinds)
	}
	if got := core.Balance(); got != 100000 {
		t.Errorf("balance mutated on rejected order: %.2f", got)
	}
}

func TestSkipRiskCheckBypassesGate(t *testing.T) {
	core, _ := newTestCore(t)

	order, err := core.PlaceMarketOrder(context.Background(), "BTC-USDT", Buy, 5, 10000, OrderOptions{SkipRiskCheck: true})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if order.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
}

func TestInvalidOrderInput(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		symbol   string
		side     Side
		quantity float64
		price    float64
	}{
		{"empty symbol", "", Buy, 1, 100},
		{"bad side", "BTC-USDT", Side("HOLD"), 1, 100},
		{"zero quantity", "BTC-USDT", Buy, 0, 100},
		{"negative price", "BTC-USDT", Buy, 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := core.PlaceMarketOrder(ctx, tt.symbol, tt.side, tt.quantity, tt.price, OrderOptions{}); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestLimitOrderLifecycle(t *testing.T) {
	core, pub := newTestCore(t)
	ctx := context.Background()

	order, err := core.PlaceLimitOrder(ctx, "BTC-USDT", Buy, 1, 95, OrderOptions{})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if order.Status != StatusPending || order.Type != Limit {
		t.Errorf("order = %+v, want PENDING LIMIT", order)
	}
	// Resting order: no balance or position effect.
	if got := core.Balance(); got != 100000 {
		t.Errorf("balance = %.2f, want 100000", got)
	}

	cancelled, err := core.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	// Cancellation is terminal.
	if _, err := core.CancelOrder(ctx, order.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel err = %v, want ErrInvalidState", err)
	}

	kinds := pub.kinds()
	want := []events.Kind{events.KindOrderPlaced, events.KindOrderCancelled}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("published = %v, want %v", kinds, want)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	core, _ := newTestCore(t)
	if _, err := core.CancelOrder(context.Background(), "ord-nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	order, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.CancelOrder(ctx, order.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestCheckStopLoss(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{StopLoss: 90}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "ETH-USDT", Buy, 1, 50, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	// Above the stop: nothing triggers.
	if got := core.CheckStopLoss(map[string]float64{"BTC-USDT": 95, "ETH-USDT": 10}); len(got) != 0 {
		t.Errorf("triggered = %v, want none", got)
	}

	// At the stop: the armed position triggers; the stopless one never
	// does no matter the price.
	got := core.CheckStopLoss(map[string]float64{"BTC-USDT": 90, "ETH-USDT": 10})
	if len(got) != 1 || got[0].Symbol != "BTC-USDT" {
		t.Fatalf("triggered = %v, want [BTC-USDT]", got)
	}

	// Pure query: position must still be open.
	if _, err := core.Position("BTC-USDT"); err != nil {
		t.Errorf("CheckStopLoss mutated state: %v", err)
	}
}

func TestExecuteStopLoss(t *testing.T) {
	core, pub := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 2, 100, OrderOptions{StopLoss: 90}); err != nil {
		t.Fatal(err)
	}

	order, pnl, err := core.ExecuteStopLoss(ctx, "BTC-USDT", 88)
	if err != nil {
		t.Fatalf("ExecuteStopLoss: %v", err)
	}
	if order.Side != Sell || order.Status != StatusFilled {
		t.Errorf("order = %+v, want filled SELL", order)
	}
	if pnl != -24 {
		t.Errorf("pnl = %.2f, want -24", pnl)
	}
	if _, err := core.Position("BTC-USDT"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("position should be closed, err = %v", err)
	}

	var sawClosed bool
	for _, k := range pub.kinds() {
		if k == events.KindPositionClosed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Error("expected position.closed event")
	}
}

func TestExecuteStopLossNoPosition(t *testing.T) {
	core, _ := newTestCore(t)
	if _, _, err := core.ExecuteStopLoss(context.Background(), "BTC-USDT", 88); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("err = %v, want ErrPositionNotFound", err)
	}
}

func TestRiskAdjustedSize(t *testing.T) {
	core, _ := newTestCore(t)

	// 2% of 100000 = 2000 risk budget; stop distance 5 -> 400 units,
	// affordable at price 100.
	size, err := core.RiskAdjustedSize("BTC-USDT", 100, 95, 0)
	if err != nil {
		t.Fatalf("RiskAdjustedSize: %v", err)
	}
	if size != 400 {
		t.Errorf("size = %.2f, want 400", size)
	}

	// A tight stop produces a size the balance cannot afford; it clamps
	// to balance/price.
	size, err = core.RiskAdjustedSize("BTC-USDT", 100, 99.9, 0)
	if err != nil {
		t.Fatalf("RiskAdjustedSize: %v", err)
	}
	if size != 1000 {
		t.Errorf("size = %.2f, want 1000 (balance clamp)", size)
	}

	if _, err := core.RiskAdjustedSize("BTC-USDT", 0, 95, 2); !errors.Is(err, risk.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
	if _, err := core.RiskAdjustedSize("BTC-USDT", 100, -1, 2); !errors.Is(err, risk.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestOrderHistoryFilterAndLimit(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := core.PlaceMarketOrder(ctx, "ETH-USDT", Buy, 1, 50, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	if got := core.OrderHistory("", 0); len(got) != 4 {
		t.Errorf("all orders = %d, want 4", len(got))
	}
	if got := core.OrderHistory("ETH-USDT", 0); len(got) != 1 {
		t.Errorf("ETH orders = %d, want 1", len(got))
	}
	if got := core.OrderHistory("BTC-USDT", 2); len(got) != 2 {
		t.Errorf("limited orders = %d, want 2", len(got))
	}
}

func TestPortfolioValue(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 2, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "ETH-USDT", Buy, 1, 50, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	// Balance is 100000 - 250 = 99750.

	// BTC marked at 120, ETH has no quote and falls back to entry.
	got := core.PortfolioValue(map[string]float64{"BTC-USDT": 120})
	if got != 99750+240+50 {
		t.Errorf("portfolio value = %.2f, want %.2f", got, 99750+240+50.0)
	}
}

func TestMetricsAndDailyReset(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, 1, 90, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	m := core.Metrics()
	if m.TotalTrades != 2 || m.DailyPnL != -10 || m.TotalPnL != -10 {
		t.Errorf("metrics = %+v", m)
	}
	if m.SuccessRate != 1 {
		t.Errorf("successRate = %.2f, want 1", m.SuccessRate)
	}

	core.ResetDaily()
	m = core.Metrics()
	if m.DailyPnL != 0 {
		t.Errorf("dailyPnL after reset = %.2f, want 0", m.DailyPnL)
	}
	if m.TotalPnL != -10 {
		t.Errorf("totalPnL must survive the daily reset, got %.2f", m.TotalPnL)
	}
}

func TestLosingCloseFeedsDailyLoss(t *testing.T) {
	pub := &capturePublisher{}
	engine := risk.NewEngine(risk.DefaultConfig(), pub, nil)
	core := NewCore(DefaultConfig(), engine, pub, nil)
	ctx := context.Background()

	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Buy, 1, 100, OrderOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.PlaceMarketOrder(ctx, "BTC-USDT", Sell, 1, 60, OrderOptions{}); err != nil {
		t.Fatal(err)
	}

	if got := engine.DailyLoss(); got != 40 {
		t.Errorf("engine dailyLoss = %.2f, want 40", got)
	}
}
