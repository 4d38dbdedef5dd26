// Package domain defines the shared data model for the decision engine:
// price bars, analyst signals, portfolio state, and the records that flow
// between the graph of analysts and the backtest driver.
package domain

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV observation for one ticker on one trading day.
type Bar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// SignalDirection is the directional call an analyst assigns a ticker.
type SignalDirection string

const (
	DirectionBullish SignalDirection = "bullish"
	DirectionBearish SignalDirection = "bearish"
	DirectionNeutral SignalDirection = "neutral"
)

// Signal is one analyst's call on one ticker. Extra carries free-form
// diagnostic metadata (sub-scores, indicator values) that downstream
// system agents never read.
type Signal struct {
	Direction  SignalDirection
	Confidence int // 0-100
	Reasoning  string
	Extra      map[string]any
}

// AnalystSignals is the additive, per-day signal board: one top-level key
// per registered analyst ID, each holding that analyst's per-ticker calls.
type AnalystSignals map[string]map[string]Signal

// RegimeLabel is the market regime classifier's rule-based output.
type RegimeLabel string

const (
	RegimeTrending     RegimeLabel = "trending"
	RegimeMeanReverting RegimeLabel = "mean_reverting"
	RegimeVolatile     RegimeLabel = "volatile"
	RegimeCalm         RegimeLabel = "calm"
)

// RegimeWeights is the fixed per-regime weight multiplier table applied to
// the regime-sensitive analysts (Momentum, Mean Reversion).
type RegimeWeights struct {
	Momentum      float64
	MeanReversion float64
}

// MarketRegimeEntry is the advisory Market Regime Classifier's per-day
// verdict, consumed (read-only) by the Portfolio Manager.
type MarketRegimeEntry struct {
	Regime         RegimeLabel
	Weights        RegimeWeights
	RiskMultiplier float64
	Reasoning      string
}

// CredibilityRecord is the Performance Auditor's per-analyst running score.
type CredibilityRecord struct {
	Credibility      float64
	CorrectSignals   int
	IncorrectSignals int
	NeutralSignals   int
	TotalEvaluated   int
	LastUpdated      time.Time
}

// TradeAction is the unsigned decision a ticker receives from the
// Portfolio Manager before risk budgeting and allocation are applied.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
	ActionHold TradeAction = "hold"
	ActionShort TradeAction = "short"
	ActionCover TradeAction = "cover"
)

// TradeDecision is the Portfolio Manager's per-ticker output: a direction,
// a capacity-bounded quantity, and a confidence. Risk Budget resizes
// Quantity down to the sized order before the allocator's caps run.
type TradeDecision struct {
	Action     TradeAction
	Quantity   int64
	Confidence int
	Reasoning  string
}

// RiskBudgetEntry is the Risk Budget system agent's per-ticker verdict.
type RiskBudgetEntry struct {
	BaseRiskPct          float64
	VolatilityAdjustment float64
	RegimeMultiplier     float64
	FinalRiskPct         float64
	Reasoning            string
}

// Position tracks both long and short exposure in a single ticker using
// weighted-average cost bases, mirroring deterministic_backtest.py's
// portfolio-position dict.
type Position struct {
	LongShares      decimal.Decimal
	LongCostBasis   decimal.Decimal
	ShortShares     decimal.Decimal
	ShortCostBasis  decimal.Decimal
	ShortMarginUsed decimal.Decimal
}

// IsFlat reports whether the position carries no shares in either direction.
func (p *Position) IsFlat() bool {
	return p.LongShares.IsZero() && p.ShortShares.IsZero()
}

// RealizedGain accumulates realized P&L for one ticker across the run.
type RealizedGain struct {
	Total decimal.Decimal
}

// Portfolio is the single source of truth for cash, margin, and positions.
// The backtest driver runs one day at a time and mutates it only through
// the trade executor, which applies fills sequentially within a day; it is
// never read or written from more than one goroutine, so it carries no
// lock of its own.
type Portfolio struct {
	Cash              decimal.Decimal
	MarginRequirement decimal.Decimal
	MarginUsed        decimal.Decimal
	Positions         map[string]*Position
	RealizedGains     map[string]*RealizedGain
}

// NewPortfolio builds an empty portfolio seeded with the given starting
// cash and margin requirement (fraction of short notional held as margin).
func NewPortfolio(initialCash decimal.Decimal, marginRequirement decimal.Decimal) *Portfolio {
	return &Portfolio{
		Cash:              initialCash,
		MarginRequirement: marginRequirement,
		Positions:         make(map[string]*Position),
		RealizedGains:     make(map[string]*RealizedGain),
	}
}

// ExecutedTrade records one fill the executor actually applied.
type ExecutedTrade struct {
	Ticker               string
	Action               TradeAction
	Quantity             int64
	Price                decimal.Decimal
	RealizedPnL          decimal.Decimal
	AgentContributions   map[string]float64
}

// PerformanceSnapshot is the per-day rollup of run-to-date performance.
type PerformanceSnapshot struct {
	CumulativePnL decimal.Decimal
	TotalReturn   float64
	MaxDrawdown   float64
	SharpeRatio   float64
	WinRate       float64
}

// DailyRow is one business day's complete record in the backtest's
// output ledger.
type DailyRow struct {
	Date           time.Time
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
	Exposures      map[string]decimal.Decimal
	Decisions      map[string]TradeDecision
	ExecutedTrades []ExecutedTrade
	Metrics        PerformanceSnapshot
}

// GraphState is the mutable, per-day scratch space threaded through one
// execution of the analyst graph. It never outlives the iteration that
// created it. mu guards Signals: the five core analysts share a tier and
// write it concurrently from the graph engine's tier fan-out, so every
// write must go through SetSignals rather than a direct map assignment.
// Every other field is written by exactly one agent per tier and is safe
// to touch directly.
type GraphState struct {
	Date         time.Time
	Tickers      []string
	Signals      AnalystSignals
	MarketRegime *MarketRegimeEntry
	Credibility  map[string]CredibilityRecord
	RiskBudgets  map[string]RiskBudgetEntry
	Decisions    map[string]TradeDecision

	mu sync.Mutex
}

// NewGraphState allocates an empty per-day state for the given date and
// ticker universe.
func NewGraphState(date time.Time, tickers []string) *GraphState {
	return &GraphState{
		Date:        date,
		Tickers:     tickers,
		Signals:     make(AnalystSignals),
		Credibility: make(map[string]CredibilityRecord),
		RiskBudgets: make(map[string]RiskBudgetEntry),
		Decisions:   make(map[string]TradeDecision),
	}
}

// SetSignals publishes one analyst's per-ticker calls. Safe to call
// concurrently with other analysts in the same tier.
func (s *GraphState) SetSignals(analystID string, results map[string]Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Signals[analystID] = results
}
