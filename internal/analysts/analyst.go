// Package analysts implements the five core analysts that produce the
// engine's trading signals: Value Composite, Growth Composite, Valuation,
// Momentum, and Mean Reversion.
package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// FixedWeight is each core analyst's fixed Portfolio Manager weight,
// keyed by analyst ID. Momentum and Mean Reversion are additionally
// regime-adjusted at Portfolio Manager time (§4.5).
var FixedWeight = map[string]float64{
	IDValueComposite:  0.30,
	IDGrowthComposite: 0.25,
	IDValuation:       0.20,
	IDMomentum:        0.15,
	IDMeanReversion:   0.10,
}

const (
	IDValueComposite  = "value_composite"
	IDGrowthComposite = "growth_composite"
	IDValuation       = "valuation"
	IDMomentum        = "momentum"
	IDMeanReversion   = "mean_reversion"
)

// neutralSignal is the fallback every analyst must produce for a ticker it
// cannot evaluate, per spec.md §4.2's shared contract.
func neutralSignal(reason string) domain.Signal {
	return domain.Signal{
		Direction:  domain.DirectionNeutral,
		Confidence: 50,
		Reasoning:  reason,
	}
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

// base is embedded by every analyst and supplies the shared per-ticker
// evaluation loop, price-cache access, and neutral-fallback handling so
// each analyst file only implements its own scoring function.
type base struct {
	id     string
	cache  *pricecache.PriceCache
	logger *zap.Logger
}

func (b *base) ID() string          { return b.id }
func (b *base) DependsOn() []string { return nil }

func (b *base) evaluate(ctx context.Context, state *domain.GraphState, fn func(ticker string) (domain.Signal, error)) error {
	results := make(map[string]domain.Signal, len(state.Tickers))
	for _, ticker := range state.Tickers {
		sig, err := fn(ticker)
		if err != nil {
			b.logger.Debug("analyst falling back to neutral", zap.String("analyst", b.id), zap.String("ticker", ticker), zap.Error(err))
			sig = neutralSignal(fmt.Sprintf("data gap: %v", err))
		}
		results[ticker] = sig
	}
	state.SetSignals(b.id, results)
	return nil
}
