package risk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/quantavia/tradecore/pkg/events"
)

type capturePublisher struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (p *capturePublisher) Publish(ctx context.Context, kind events.Kind, data any) *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	return &events.Event{Kind: kind, Data: data}
}

func (p *capturePublisher) published() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Kind(nil), p.kinds...)
}

func TestEvaluateTradeApprovesCleanTrade(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	a, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC-USDT", Size: 1, Price: 5000})
	if err != nil {
		t.Fatalf("EvaluateTrade: %v", err)
	}
	if !a.Approved {
		t.Errorf("expected approval, got score %.0f reasons %v", a.Score, a.Reasons)
	}
	if a.Score != 0 {
		t.Errorf("score = %.0f, want 0", a.Score)
	}
	if a.TradeValue != 5000 {
		t.Errorf("tradeValue = %.0f, want 5000", a.TradeValue)
	}
}

func TestEvaluateTradeRejectsOversizedTrade(t *testing.T) {
	// 5 * 10000 = 50000 notional: breaches max position size (+30) and
	// the daily-loss buffer (5000 > 1000 budget, +25). 55 >= 50 rejects.
	pub := &capturePublisher{}
	e := NewEngine(DefaultConfig(), pub, nil)

	a, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC-USDT", Size: 5, Price: 10000})
	if err != nil {
		t.Fatalf("EvaluateTrade: %v", err)
	}
	if a.Approved {
		t.Fatalf("expected rejection, got approval with score %.0f", a.Score)
	}
	if a.Score != 55 {
		t.Errorf("score = %.0f, want 55", a.Score)
	}
	if len(a.Reasons) != 2 {
		t.Errorf("reasons = %v, want 2 entries", a.Reasons)
	}

	kinds := pub.published()
	if len(kinds) != 1 || kinds[0] != events.KindRiskAlert {
		t.Errorf("published = %v, want [risk.alert]", kinds)
	}
}

func TestEvaluateTradeWeights(t *testing.T) {
	// Limits are loosened per case so each check triggers in isolation.
	tests := []struct {
		name    string
		cfg     Config
		setup   func(e *Engine)
		req     TradeRequest
		score   float64
		reasons int
	}{
		{
			name:  "position size only",
			cfg:   Config{MaxPositionSize: 10000, MaxDailyLoss: 1e9, DailyLossBuffer: 0.1, ConcentrationLimit: 0.3, VolatilityLimit: 0.5, ApprovalThreshold: 50},
			req:   TradeRequest{Symbol: "BTC", Size: 2, Price: 10000},
			score: 30, reasons: 1,
		},
		{
			name: "daily loss buffer only",
			cfg:  DefaultConfig(),
			setup: func(e *Engine) {
				e.RecordLoss(950)
			},
			req:   TradeRequest{Symbol: "BTC", Size: 1, Price: 1000},
			score: 25, reasons: 1,
		},
		{
			name: "concentration only",
			cfg:  DefaultConfig(),
			setup: func(e *Engine) {
				e.UpdatePosition("BTC", 1000)
				e.UpdatePosition("ETH", 200)
			},
			req:   TradeRequest{Symbol: "BTC", Size: 1, Price: 100},
			score: 20, reasons: 1,
		},
		{
			name:  "volatility only",
			cfg:   DefaultConfig(),
			req:   TradeRequest{Symbol: "BTC", Size: 1, Price: 100, Volatility: 0.8},
			score: 15, reasons: 1,
		},
		{
			name:  "volatility at limit does not trigger",
			cfg:   DefaultConfig(),
			req:   TradeRequest{Symbol: "BTC", Size: 1, Price: 100, Volatility: 0.5},
			score: 0, reasons: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.cfg, nil, nil)
			if tt.setup != nil {
				tt.setup(e)
			}
			a, err := e.EvaluateTrade(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("EvaluateTrade: %v", err)
			}
			if a.Score != tt.score {
				t.Errorf("score = %.0f, want %.0f (reasons %v)", a.Score, tt.score, a.Reasons)
			}
			if len(a.Reasons) != tt.reasons {
				t.Errorf("reasons = %v, want %d entries", a.Reasons, tt.reasons)
			}
		})
	}
}

func TestConcentrationZeroForEmptyPortfolio(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	// First trade into an empty portfolio would be 100% concentrated by
	// the raw formula; it must not be flagged.
	a, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC", Size: 1, Price: 5000})
	if err != nil {
		t.Fatalf("EvaluateTrade: %v", err)
	}
	for _, r := range a.Reasons {
		if r == "High portfolio concentration" {
			t.Errorf("empty portfolio flagged for concentration: %v", a.Reasons)
		}
	}
}

func TestEvaluateTradeInvalidInput(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	tests := []struct {
		name string
		req  TradeRequest
	}{
		{"zero size", TradeRequest{Symbol: "BTC", Size: 0, Price: 100}},
		{"negative size", TradeRequest{Symbol: "BTC", Size: -1, Price: 100}},
		{"zero price", TradeRequest{Symbol: "BTC", Size: 1, Price: 0}},
		{"negative price", TradeRequest{Symbol: "BTC", Size: 1, Price: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.EvaluateTrade(context.Background(), tt.req); !errors.Is(err, ErrInvalidTrade) {
				t.Errorf("err = %v, want ErrInvalidTrade", err)
			}
		})
	}
}

func TestEvaluateTradeIsPureQuery(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	// Evaluation must not mutate exposure or the daily-loss accumulator.
	if _, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC", Size: 1, Price: 5000}); err != nil {
		t.Fatalf("EvaluateTrade: %v", err)
	}
	if got := e.DailyLoss(); got != 0 {
		t.Errorf("dailyLoss = %.2f, want 0", got)
	}
	if got := e.Stats().Exposure; got != 0 {
		t.Errorf("exposure = %.2f, want 0", got)
	}
}

func TestRecordLossUsesMagnitude(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	e.RecordLoss(-200)
	e.RecordLoss(50)
	if got := e.DailyLoss(); got != 250 {
		t.Errorf("dailyLoss = %.2f, want 250", got)
	}

	e.ResetDailyMetrics()
	if got := e.DailyLoss(); got != 0 {
		t.Errorf("dailyLoss after reset = %.2f, want 0", got)
	}
}

func TestUpdatePositionRemovesAtZero(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	e.UpdatePosition("BTC", 500)
	e.UpdatePosition("ETH", 300)
	if got := e.Stats().Exposure; got != 800 {
		t.Fatalf("exposure = %.2f, want 800", got)
	}

	e.UpdatePosition("BTC", 0)
	if got := e.Stats().Exposure; got != 300 {
		t.Errorf("exposure after removal = %.2f, want 300", got)
	}
}

func TestCheckStopLoss(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	tests := []struct {
		name    string
		side    string
		stop    float64
		current float64
		want    bool
	}{
		{"long above stop", SideLong, 90, 95, false},
		{"long at stop", SideLong, 90, 90, true},
		{"long below stop", SideLong, 90, 85, true},
		{"short below stop", SideShort, 110, 105, false},
		{"short at stop", SideShort, 110, 110, true},
		{"short above stop", SideShort, 110, 115, true},
		{"zero stop never triggers", SideLong, 0, 1, false},
		{"unknown side never triggers", "SIDEWAYS", 90, 85, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.CheckStopLoss(tt.side, tt.stop, tt.current); got != tt.want {
				t.Errorf("CheckStopLoss(%s, %.0f, %.0f) = %v, want %v", tt.side, tt.stop, tt.current, got, tt.want)
			}
		})
	}
}

func TestPositionSize(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	// Risk 2% of 10000 = 200; stop distance 5 -> 40 units.
	size, err := e.PositionSize(10000, 2, 5)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if size != 40 {
		t.Errorf("size = %.2f, want 40", size)
	}

	// Tiny stop distance would produce an enormous size; it clamps to
	// the max position size.
	size, err = e.PositionSize(1e6, 10, 0.001)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if size != e.cfg.MaxPositionSize {
		t.Errorf("size = %.2f, want clamp to %.2f", size, e.cfg.MaxPositionSize)
	}
}

func TestPositionSizeInvalidInput(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	cases := [][3]float64{
		{0, 2, 5},
		{10000, 0, 5},
		{10000, 2, 0},
		{-1, -1, -1},
	}
	for _, c := range cases {
		if _, err := e.PositionSize(c[0], c[1], c[2]); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("PositionSize(%v) err = %v, want ErrInvalidParameter", c, err)
		}
	}
}

func TestAssessmentHistoryCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	e := NewEngine(cfg, nil, nil)

	for i := 0; i < 5; i++ {
		if _, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC", Size: 1, Price: float64(100 + i)}); err != nil {
			t.Fatalf("EvaluateTrade: %v", err)
		}
	}

	got := e.Assessments()
	if len(got) != 3 {
		t.Fatalf("history len = %d, want 3", len(got))
	}
	// Oldest entries evicted: the survivors are the last three trades.
	if got[0].TradeValue != 102 {
		t.Errorf("oldest surviving tradeValue = %.0f, want 102", got[0].TradeValue)
	}
}

func TestStats(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	if _, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC", Size: 1, Price: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.EvaluateTrade(context.Background(), TradeRequest{Symbol: "BTC", Size: 5, Price: 10000}); err != nil {
		t.Fatal(err)
	}

	s := e.Stats()
	if s.Evaluated != 2 || s.Approved != 1 || s.Rejected != 1 {
		t.Errorf("stats = %+v, want 2 evaluated, 1 approved, 1 rejected", s)
	}
	if s.AverageScore != 27.5 {
		t.Errorf("averageScore = %.2f, want 27.5", s.AverageScore)
	}
}
