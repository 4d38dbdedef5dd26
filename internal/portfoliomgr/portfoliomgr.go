// Package portfoliomgr implements the Portfolio Manager system agent: it
// fuses the five core analysts' signals, regime weights, and analyst
// credibility into one unsigned TradeDecision per ticker.
//
// Grounded in style on internal/signals/aggregator.go's weighted
// multi-source consensus scoring, generalized from that package's
// ad-hoc source weighting into the fixed-weight, regime-adjusted,
// credibility-floored fusion spec.md §4.5 actually specifies.
package portfoliomgr

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/analysts"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const credibilityFloor = 0.2

// coreAnalysts is the fixed five-analyst roster the Portfolio Manager
// fuses; order does not affect the result, only readability of logs.
var coreAnalysts = []string{
	analysts.IDValueComposite,
	analysts.IDGrowthComposite,
	analysts.IDValuation,
	analysts.IDMomentum,
	analysts.IDMeanReversion,
}

// Capacity is the per-ticker position capacity computed from portfolio
// state, passed in by the caller (the backtest driver knows prices and
// cash; the Portfolio Manager does not look them up itself).
type Capacity struct {
	BuyMax   int64 // min(risk_max, cash/price)
	ShortMax int64 // min(risk_max, available_margin/price)
	SellMax  int64 // long shares held
	CoverMax int64 // short shares held
}

// Manager is the Portfolio Manager system agent.
type Manager struct {
	capacities map[string]Capacity
}

// New builds a Portfolio Manager. Call SetCapacity for each ticker before
// Evaluate runs for the day.
func New() *Manager {
	return &Manager{capacities: make(map[string]Capacity)}
}

// SetCapacity records the per-ticker action capacity for the current day.
func (m *Manager) SetCapacity(ticker string, cap Capacity) {
	m.capacities[ticker] = cap
}

func (m *Manager) ID() string { return "portfolio_manager" }

func (m *Manager) DependsOn() []string {
	return append(append([]string{}, coreAnalysts...), "market_regime", "performance_auditor")
}

// Evaluate computes one TradeDecision per ticker and writes it into
// state.Decisions.
func (m *Manager) Evaluate(ctx context.Context, state *domain.GraphState) error {
	for _, ticker := range state.Tickers {
		decision, err := m.decide(ticker, state)
		if err != nil {
			return fmt.Errorf("portfolio_manager: %s: %w", ticker, err)
		}
		state.Decisions[ticker] = decision
	}
	return nil
}

func (m *Manager) decide(ticker string, state *domain.GraphState) (domain.TradeDecision, error) {
	cap, ok := m.capacities[ticker]
	if !ok {
		return domain.TradeDecision{}, fmt.Errorf("no capacity set for %s", ticker)
	}

	if cap.BuyMax <= 0 && cap.ShortMax <= 0 && cap.SellMax <= 0 && cap.CoverMax <= 0 {
		return domain.TradeDecision{Action: domain.ActionHold, Confidence: 100, Reasoning: "no permitted action"}, nil
	}

	regimeWeights := domain.RegimeWeights{Momentum: 1.0, MeanReversion: 1.0}
	if state.MarketRegime != nil {
		regimeWeights = state.MarketRegime.Weights
	}

	type contribution struct {
		analyst string
		weight  float64
		sign    float64
		conf    float64
	}

	var contribs []contribution
	bullish, bearish, neutral := 0, 0, 0

	for _, analystID := range coreAnalysts {
		tickerSignals, ok := state.Signals[analystID]
		if !ok {
			continue
		}
		sig, ok := tickerSignals[ticker]
		if !ok {
			continue
		}

		w0 := analysts.FixedWeight[analystID]
		switch analystID {
		case analysts.IDMomentum:
			w0 *= regimeWeights.Momentum
		case analysts.IDMeanReversion:
			w0 *= regimeWeights.MeanReversion
		}

		cred := credibilityFloor
		if rec, ok := state.Credibility[analystID]; ok && rec.Credibility > credibilityFloor {
			cred = rec.Credibility
		}
		w := cred * w0

		sign := 0.0
		switch sig.Direction {
		case domain.DirectionBullish:
			sign = 1
			bullish++
		case domain.DirectionBearish:
			sign = -1
			bearish++
		default:
			neutral++
		}

		contribs = append(contribs, contribution{analyst: analystID, weight: w, sign: sign, conf: float64(sig.Confidence)})
	}

	var sumW, sumWSign, sumWConf float64
	for _, c := range contribs {
		sumW += c.weight
	}
	if sumW == 0 {
		return domain.TradeDecision{Action: domain.ActionHold, Confidence: 50, Reasoning: "no analyst coverage"}, nil
	}
	for _, c := range contribs {
		normW := c.weight / sumW
		sumWSign += normW * c.sign
		sumWConf += normW * c.conf
	}

	netSignal := sumWSign
	confidence := int(sumWConf)

	reasoning := fmt.Sprintf("N=%.3f bullish=%d bearish=%d neutral=%d regime_mom=%.2f regime_mr=%.2f",
		netSignal, bullish, bearish, neutral, regimeWeights.Momentum, regimeWeights.MeanReversion)

	switch {
	case netSignal > 0.1 && bullish > 0:
		if cap.BuyMax <= 0 {
			return domain.TradeDecision{Action: domain.ActionHold, Confidence: confidence, Reasoning: reasoning + " (no buy capacity)"}, nil
		}
		return domain.TradeDecision{Action: domain.ActionBuy, Quantity: cap.BuyMax, Confidence: confidence, Reasoning: reasoning}, nil

	case netSignal < -0.1 && bearish > 0:
		if cap.SellMax > 0 {
			return domain.TradeDecision{Action: domain.ActionSell, Quantity: cap.SellMax, Confidence: confidence, Reasoning: reasoning}, nil
		}
		if cap.ShortMax > 0 {
			return domain.TradeDecision{Action: domain.ActionShort, Quantity: cap.ShortMax, Confidence: confidence, Reasoning: reasoning}, nil
		}
		return domain.TradeDecision{Action: domain.ActionHold, Confidence: confidence, Reasoning: reasoning + " (no sell/short capacity)"}, nil

	default:
		return domain.TradeDecision{Action: domain.ActionHold, Confidence: confidence, Reasoning: reasoning}, nil
	}
}

// CapacityFromPortfolio derives a ticker's Capacity from current cash,
// margin, price, and holdings — a free function rather than a Manager
// method since it needs no analyst-specific state, only portfolio facts
// the backtest driver already owns.
func CapacityFromPortfolio(p *domain.Portfolio, ticker string, price decimal.Decimal, riskMaxShares int64) Capacity {
	pos, hasPos := p.Positions[ticker]

	cashAffordable := int64(0)
	if price.IsPositive() {
		cashAffordable = p.Cash.Div(price).IntPart()
	}
	buyMax := riskMaxShares
	if cashAffordable < buyMax {
		buyMax = cashAffordable
	}
	if buyMax < 0 {
		buyMax = 0
	}

	var sellMax, coverMax int64
	if hasPos {
		sellMax = pos.LongShares.IntPart()
		coverMax = pos.ShortShares.IntPart()
	}

	// Short capacity is bounded by margin-backed cash, mirroring the
	// executor's own short-fill math; the executor still refines this
	// precisely at fill time, so this is a ceiling, not the final size.
	shortMax := riskMaxShares
	if price.IsPositive() && p.MarginRequirement.IsPositive() {
		marginAffordable := p.Cash.Div(price.Mul(p.MarginRequirement)).IntPart()
		if marginAffordable < shortMax {
			shortMax = marginAffordable
		}
	}
	if shortMax < 0 {
		shortMax = 0
	}

	return Capacity{BuyMax: buyMax, ShortMax: shortMax, SellMax: sellMax, CoverMax: coverMax}
}
