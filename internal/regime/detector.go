// Package regime classifies the market's current trading regime from
// cached price history so downstream analysts can adjust their weight.
//
// This file used to hold a simplified hidden-Markov-model regime
// detector. It is rewritten here as the deterministic, rule-based
// classifier the decision engine actually needs: ADX(14), 20-day
// annualized volatility, RSI-oscillation, and directional consistency
// feed a fixed cascade of thresholds rather than a learned transition
// matrix. The struct shape (mutex-guarded state, GetCurrentRegime) is
// kept from the original HMM-based detector.
package regime

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// weightTable is spec.md §4.3's fixed per-regime weight/risk-multiplier
// table.
var weightTable = map[domain.RegimeLabel]domain.MarketRegimeEntry{
	domain.RegimeTrending:      {Regime: domain.RegimeTrending, Weights: domain.RegimeWeights{Momentum: 1.5, MeanReversion: 0.5}, RiskMultiplier: 1.0},
	domain.RegimeMeanReverting: {Regime: domain.RegimeMeanReverting, Weights: domain.RegimeWeights{Momentum: 0.5, MeanReversion: 1.5}, RiskMultiplier: 0.9},
	domain.RegimeVolatile:      {Regime: domain.RegimeVolatile, Weights: domain.RegimeWeights{Momentum: 0.7, MeanReversion: 0.7}, RiskMultiplier: 0.8},
	domain.RegimeCalm:          {Regime: domain.RegimeCalm, Weights: domain.RegimeWeights{Momentum: 1.0, MeanReversion: 1.0}, RiskMultiplier: 1.0},
}

// Classifier is the Market Regime advisory agent. It is advisory-only: it
// writes exclusively to GraphState.MarketRegime and is never a source of
// trade signals.
type Classifier struct {
	mu     sync.RWMutex
	cache  *pricecache.PriceCache
	recent map[string]domain.RegimeLabel
}

// NewClassifier builds the Market Regime Classifier over the given price cache.
func NewClassifier(cache *pricecache.PriceCache) *Classifier {
	return &Classifier{cache: cache, recent: make(map[string]domain.RegimeLabel)}
}

func (c *Classifier) ID() string          { return "market_regime" }
func (c *Classifier) DependsOn() []string { return []string{"momentum", "mean_reversion"} }

// Evaluate classifies the regime for the run's ticker universe (the
// regime is a single per-day, market-wide call, keyed off the first
// ticker's series as the universe's representative instrument) and
// publishes it to the shared per-day state.
func (c *Classifier) Evaluate(ctx context.Context, state *domain.GraphState) error {
	entry, err := c.classify(state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if len(state.Tickers) > 0 {
		c.recent[state.Tickers[0]] = entry.Regime
	}
	c.mu.Unlock()

	state.MarketRegime = entry
	return nil
}

func (c *Classifier) classify(state *domain.GraphState) (*domain.MarketRegimeEntry, error) {
	if len(state.Tickers) == 0 {
		return nil, fmt.Errorf("no tickers in state")
	}
	ticker := state.Tickers[0]

	bars, err := c.cache.Range(ticker, state.Date.AddDate(0, 0, -90), state.Date)
	if err != nil {
		return nil, err
	}
	if len(bars) < 50 {
		return nil, fmt.Errorf("need >=50 bars, have %d", len(bars))
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = pricecache.ParseFloat(b.Close)
		highs[i] = pricecache.ParseFloat(b.High)
		lows[i] = pricecache.ParseFloat(b.Low)
	}

	adxSeries := talib.Adx(highs, lows, closes, 14)
	adx := adxSeries[len(adxSeries)-1]

	rets := lastN(dailyReturns(closes), 20)
	volPct := stat.StdDev(rets, nil) * math.Sqrt(252)

	rsiSeries := talib.Rsi(closes, 14)
	rsiOscillation := stat.StdDev(lastN(rsiSeries, 20), nil)

	consistency := directionalConsistency(lastN(closes, 21))

	var label domain.RegimeLabel
	switch {
	case adx > 25 && consistency > 0.6:
		label = domain.RegimeTrending
	case volPct > 0.15:
		label = domain.RegimeVolatile
	case adx < 20 && rsiOscillation > 10:
		label = domain.RegimeMeanReverting
	case volPct < 0.05:
		label = domain.RegimeCalm
	default:
		label = domain.RegimeCalm
	}

	entry := weightTable[label]
	entry.Reasoning = fmt.Sprintf("ADX=%.1f vol%%=%.3f rsi_osc=%.1f consistency=%.2f -> %s", adx, volPct, rsiOscillation, consistency, label)
	return &entry, nil
}

// directionalConsistency is the fraction of daily moves in the series'
// dominant direction over the window.
func directionalConsistency(closes []float64) float64 {
	rets := dailyReturns(closes)
	if len(rets) == 0 {
		return 0
	}
	up, down := 0, 0
	for _, r := range rets {
		switch {
		case r > 0:
			up++
		case r < 0:
			down++
		}
	}
	total := up + down
	if total == 0 {
		return 0
	}
	if up > down {
		return float64(up) / float64(total)
	}
	return float64(down) / float64(total)
}

func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		rets = append(rets, (closes[i]-closes[i-1])/closes[i-1])
	}
	return rets
}

func lastN(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

// GetCurrentRegime returns the last classified regime for ticker, or
// RegimeCalm with ok=false if none has been computed yet.
func (c *Classifier) GetCurrentRegime(ticker string) (domain.RegimeLabel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recent[ticker]
	return r, ok
}

// GetStrategyAdjustments returns the fixed weight/risk-multiplier table
// entry for a regime, for callers that already have a classified label.
func GetStrategyAdjustments(label domain.RegimeLabel) domain.MarketRegimeEntry {
	return weightTable[label]
}
