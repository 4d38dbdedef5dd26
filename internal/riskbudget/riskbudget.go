// Package riskbudget implements the Risk Budget system agent: it turns a
// Portfolio Manager decision, the day's market regime, and a ticker's
// ATR-derived volatility into a final risk percentage of NAV.
//
// Grounded in style on internal/sizing/position_sizer.go's
// Config/Calculate shape and its RiskBudgetSizer's available/allocate/
// release bookkeeping, but the sizing formula itself is spec.md §4.6's
// ATR-volatility-adjustment formula, not the teacher's Kelly-Criterion
// math (a genuinely different algorithm position_sizer.go doesn't have).
package riskbudget

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	talib "github.com/markcheno/go-talib"
)

const (
	baseRiskPct = 0.02
	minRiskPct  = 0.005
	maxRiskPct  = 0.05
)

// Budgeter is the Risk Budget system agent.
type Budgeter struct {
	cache *pricecache.PriceCache
}

// New builds a Risk Budget system agent over the given price cache.
func New(cache *pricecache.PriceCache) *Budgeter {
	return &Budgeter{cache: cache}
}

func (b *Budgeter) ID() string          { return "risk_budget" }
func (b *Budgeter) DependsOn() []string { return []string{"portfolio_manager"} }

// Evaluate computes one RiskBudgetEntry per ticker and writes it into
// state.RiskBudgets.
func (b *Budgeter) Evaluate(ctx context.Context, state *domain.GraphState) error {
	for _, ticker := range state.Tickers {
		decision, ok := state.Decisions[ticker]
		if !ok {
			continue
		}

		if decision.Action == domain.ActionHold {
			state.RiskBudgets[ticker] = domain.RiskBudgetEntry{Reasoning: "hold: zero budget"}
			continue
		}

		entry, err := b.computeBudget(ticker, decision, state)
		if err != nil {
			base := baseRiskPct * (float64(decision.Confidence) / 100.0)
			regimeMult := 1.0
			if state.MarketRegime != nil {
				regimeMult = state.MarketRegime.RiskMultiplier
			}
			final := clamp(base*regimeMult, minRiskPct, maxRiskPct)
			state.RiskBudgets[ticker] = domain.RiskBudgetEntry{
				BaseRiskPct:          base,
				VolatilityAdjustment: 1.0,
				RegimeMultiplier:     regimeMult,
				FinalRiskPct:         final,
				Reasoning:            fmt.Sprintf("data gap, default budget (vol_adj=1.00): %v", err),
			}
			continue
		}
		state.RiskBudgets[ticker] = entry
	}
	return nil
}

func (b *Budgeter) computeBudget(ticker string, decision domain.TradeDecision, state *domain.GraphState) (domain.RiskBudgetEntry, error) {
	base := baseRiskPct * (float64(decision.Confidence) / 100.0)

	bars, err := b.cache.Range(ticker, state.Date.AddDate(0, 0, -30), state.Date)
	if err != nil || len(bars) < 15 {
		return domain.RiskBudgetEntry{}, fmt.Errorf("insufficient data for ATR")
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = pricecache.ParseFloat(bar.High)
		lows[i] = pricecache.ParseFloat(bar.Low)
		closes[i] = pricecache.ParseFloat(bar.Close)
	}

	atrSeries := talib.Atr(highs, lows, closes, 14)
	atr := atrSeries[len(atrSeries)-1]
	price := closes[len(closes)-1]

	volAdj := 1.0
	if price > 0 {
		atrPct := atr / price
		switch {
		case atrPct > 0.03:
			volAdj = clamp(1.0-(atrPct-0.03)*5, 0.5, 1.0)
		case atrPct < 0.01:
			volAdj = clamp(1.0+(0.01-atrPct)*5, 1.0, 1.25)
		default:
			volAdj = 1.0
		}
	}

	regimeMult := 1.0
	if state.MarketRegime != nil {
		regimeMult = state.MarketRegime.RiskMultiplier
	}

	final := clamp(base*volAdj*regimeMult, minRiskPct, maxRiskPct)

	return domain.RiskBudgetEntry{
		BaseRiskPct:          base,
		VolatilityAdjustment: volAdj,
		RegimeMultiplier:     regimeMult,
		FinalRiskPct:         final,
		Reasoning:            fmt.Sprintf("base=%.4f vol_adj=%.2f regime_mult=%.2f -> final=%.4f", base, volAdj, regimeMult, final),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
