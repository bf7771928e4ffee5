// Package risk decides whether proposed trades should be admitted and
// tracks the per-symbol exposure and cumulative daily loss those
// decisions depend on. Evaluation is pure with respect to its inputs
// and the tracked counters; the only side effects are the bounded
// assessment history and a risk.alert event on rejection.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantavia/tradecore/pkg/events"
)

var (
	// ErrInvalidTrade is returned when a trade request is missing a
	// positive size or price.
	ErrInvalidTrade = errors.New("invalid trade")

	// ErrInvalidParameter is returned for non-positive sizing inputs.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Position sides as seen by the stop-loss predicate.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Risk score weights. Each check contributes its fixed weight when
// triggered; the weights are additive and independent.
const (
	weightPositionSize  = 30
	weightDailyLoss     = 25
	weightConcentration = 20
	weightVolatility    = 15
)

// EventPublisher is the slice of the dispatcher the engine needs to
// raise risk.alert events.
type EventPublisher interface {
	Publish(ctx context.Context, kind events.Kind, data any) *events.Event
}

// Config holds the engine's limits and tunables.
type Config struct {
	MaxPositionSize float64 // max notional value of one trade
	MaxDailyLoss    float64 // realized-loss budget per day
	// DailyLossBuffer reserves this fraction of trade value against the
	// daily budget during evaluation. Heuristic, not a debit.
	DailyLossBuffer    float64
	ConcentrationLimit float64 // max post-trade share of one symbol
	VolatilityLimit    float64 // volatility above this is flagged
	ApprovalThreshold  float64 // score at or above this rejects
	HistorySize        int     // assessment ring capacity
}

func DefaultConfig() Config {
	return Config{
		MaxPositionSize:    10000,
		MaxDailyLoss:       1000,
		DailyLossBuffer:    0.1,
		ConcentrationLimit: 0.3,
		VolatilityLimit:    0.5,
		ApprovalThreshold:  50,
		HistorySize:        100,
	}
}

// TradeRequest is one proposed trade. Volatility is optional; zero
// means not supplied and contributes nothing to the score.
type TradeRequest struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	Volatility float64 `json:"volatility,omitempty"`
}

// Assessment is the immutable result of evaluating one trade.
type Assessment struct {
	Approved   bool      `json:"approved"`
	Score      float64   `json:"riskScore"`
	Reasons    []string  `json:"reasons,omitempty"`
	TradeValue float64   `json:"tradeValue"`
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats summarizes the recent assessment ring.
type Stats struct {
	Evaluated    int     `json:"evaluated"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	AverageScore float64 `json:"averageScore"`
	DailyLoss    float64 `json:"dailyLoss"`
	Exposure     float64 `json:"totalExposure"`
}

// Engine evaluates trades against position-size, daily-loss,
// concentration and volatility rules.
type Engine struct {
	cfg       Config
	publisher EventPublisher
	log       *zap.SugaredLogger

	mu          sync.Mutex
	exposure    map[string]float64 // symbol -> tracked notional value
	dailyLoss   float64
	assessments []Assessment // capped ring, oldest first
}

// NewEngine creates an engine with explicit dependencies. publisher may
// be nil, in which case rejections are logged but not broadcast.
func NewEngine(cfg Config, publisher EventPublisher, logger *zap.SugaredLogger) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = 50
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:       cfg,
		publisher: publisher,
		log:       logger,
		exposure:  make(map[string]float64),
	}
}

// EvaluateTrade scores a proposed trade. Each triggered check adds its
// fixed weight; the trade is approved while the total stays below the
// approval threshold. Every assessment, approved or not, is recorded;
// a rejection additionally publishes a risk.alert event.
func (e *Engine) EvaluateTrade(ctx context.Context, req TradeRequest) (*Assessment, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidTrade)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidTrade)
	}

	tradeValue := req.Size * req.Price

	e.mu.Lock()
	var (
		score   float64
		reasons []string
	)

	if tradeValue > e.cfg.MaxPositionSize {
		score += weightPositionSize
		reasons = append(reasons, "Position size exceeds maximum allowed")
	}

	if e.dailyLoss+tradeValue*e.cfg.DailyLossBuffer > e.cfg.MaxDailyLoss {
		score += weightDailyLoss
		reasons = append(reasons, "Trade may exceed daily loss limit")
	}

	if e.concentrationLocked(req.Symbol, tradeValue) > e.cfg.ConcentrationLimit {
		score += weightConcentration
		reasons = append(reasons, "High portfolio concentration")
	}

	if req.Volatility > e.cfg.VolatilityLimit {
		score += weightVolatility
		reasons = append(reasons, "High volatility detected")
	}

	a := Assessment{
		Approved:   score < e.cfg.ApprovalThreshold,
		Score:      score,
		Reasons:    reasons,
		TradeValue: tradeValue,
		Symbol:     req.Symbol,
		Timestamp:  time.Now().UTC(),
	}

	e.assessments = append(e.assessments, a)
	if len(e.assessments) > e.cfg.HistorySize {
		e.assessments = e.assessments[len(e.assessments)-e.cfg.HistorySize:]
	}
	e.mu.Unlock()

	if !a.Approved {
		e.log.Warnw("trade_rejected",
			"symbol", req.Symbol, "value", tradeValue, "score", score, "reasons", reasons)
		if e.publisher != nil {
			e.publisher.Publish(ctx, events.KindRiskAlert, a)
		}
	}

	return &a, nil
}

// concentration after the trade: share of total tracked exposure that
// would sit in one symbol. Defined as 0 for an empty portfolio, so the
// first trade is never flagged.
func (e *Engine) concentrationLocked(symbol string, tradeValue float64) float64 {
	var total float64
	for _, v := range e.exposure {
		total += v
	}
	if total == 0 {
		return 0
	}
	return (e.exposure[symbol] + tradeValue) / (total + tradeValue)
}

// UpdatePosition replaces the tracked exposure value for a symbol.
// Called by the trading core after each fill.
func (e *Engine) UpdatePosition(symbol string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if value <= 0 {
		delete(e.exposure, symbol)
		return
	}
	e.exposure[symbol] = value
}

// RecordLoss adds the magnitude of a realized loss to the daily
// accumulator.
func (e *Engine) RecordLoss(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyLoss += math.Abs(amount)
}

// ResetDailyMetrics zeroes the daily-loss accumulator. Caller-driven;
// the engine runs no scheduler of its own.
func (e *Engine) ResetDailyMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyLoss = 0
	e.log.Info("daily_risk_metrics_reset")
}

// DailyLoss returns the accumulated realized loss for the day.
func (e *Engine) DailyLoss() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyLoss
}

// CheckStopLoss reports whether a position's stop has been breached.
// LONG stops trigger at or below the stop price; SHORT stops trigger
// symmetrically at or above it. A zero stop never triggers.
func (e *Engine) CheckStopLoss(side string, stopLoss, currentPrice float64) bool {
	if stopLoss <= 0 {
		return false
	}
	switch side {
	case SideLong:
		return currentPrice <= stopLoss
	case SideShort:
		return currentPrice >= stopLoss
	default:
		return false
	}
}

// PositionSize computes the risk-budgeted size for a trade: the
// quantity that loses balance*riskPct/100 if price moves stopDistance
// against it, clamped to the max position size.
func (e *Engine) PositionSize(balance, riskPct, stopDistance float64) (float64, error) {
	if balance <= 0 {
		return 0, fmt.Errorf("%w: balance must be positive", ErrInvalidParameter)
	}
	if riskPct <= 0 {
		return 0, fmt.Errorf("%w: risk percent must be positive", ErrInvalidParameter)
	}
	if stopDistance <= 0 {
		return 0, fmt.Errorf("%w: stop distance must be positive", ErrInvalidParameter)
	}

	size := balance * riskPct / 100 / stopDistance
	return math.Min(size, e.cfg.MaxPositionSize), nil
}

// Assessments returns a copy of the recent assessment ring, oldest
// first.
func (e *Engine) Assessments() []Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Assessment(nil), e.assessments...)
}

// Stats summarizes recent evaluations and the tracked counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Evaluated: len(e.assessments), DailyLoss: e.dailyLoss}
	var scoreSum float64
	for _, a := range e.assessments {
		if a.Approved {
			s.Approved++
		} else {
			s.Rejected++
		}
		scoreSum += a.Score
	}
	if s.Evaluated > 0 {
		s.AverageScore = scoreSum / float64(s.Evaluated)
	}
	for _, v := range e.exposure {
		s.Exposure += v
	}
	return s
}
