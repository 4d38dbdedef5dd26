package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// ValueComposite approximates the five-subfactor value-investing score
// described in spec.md §4.2 entirely from cached price history. The
// original agent this contract is distilled from (warren_buffett_agent)
// is explicitly documented as requiring external financial-datasets data
// and invalid for direct trade execution on price alone; this engine has
// no fundamentals source wired in (deterministic, price-only, no network
// per §1's Non-goals), so it always takes the spec's price-derived proxy
// path rather than a fundamentals path that does not exist here.
type ValueComposite struct{ base }

// NewValueComposite builds the Value Composite analyst over the price cache.
func NewValueComposite(logger *zap.Logger, cache *pricecache.PriceCache) *ValueComposite {
	return &ValueComposite{base{id: IDValueComposite, cache: cache, logger: logger.Named("analyst.value_composite")}}
}

func (v *ValueComposite) Evaluate(ctx context.Context, state *domain.GraphState) error {
	return v.evaluate(ctx, state, func(ticker string) (domain.Signal, error) {
		return v.scoreTicker(ticker, state)
	})
}

func (v *ValueComposite) scoreTicker(ticker string, state *domain.GraphState) (domain.Signal, error) {
	bars, err := v.cache.Range(ticker, state.Date.AddDate(0, 0, -260), state.Date)
	if err != nil {
		return domain.Signal{}, err
	}
	if len(bars) < 60 {
		return domain.Signal{}, fmt.Errorf("need >=60 bars, have %d", len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = pricecache.ParseFloat(b.Close)
	}
	price := closes[len(closes)-1]

	long := sma(closes, min(len(closes), 200))
	marginOfSafety := 0.0
	if long > 0 {
		marginOfSafety = (long - price) / long
	}
	valuationMargin := clamp(5+marginOfSafety*25, 0, 10)

	quality := clamp(10-annualizedVol(closes)*40, 0, 10)
	balanceSheet := clamp(10-maxDrawdown(closes)*20, 0, 10)
	earningsQuality := clamp(10-returnDispersion(closes)*30, 0, 10)
	conservativeGrowth := clamp(5+trendSlope(closes)*200, 0, 10)

	weights := map[string]float64{"valuation": 0.30, "quality": 0.25, "balance": 0.20, "earnings": 0.15, "growth": 0.10}
	ratio := weights["valuation"]*(valuationMargin/10) +
		weights["quality"]*(quality/10) +
		weights["balance"]*(balanceSheet/10) +
		weights["earnings"]*(earningsQuality/10) +
		weights["growth"]*(conservativeGrowth/10)

	direction := domain.DirectionNeutral
	switch {
	case ratio > 0.7 && marginOfSafety > 0.2:
		direction = domain.DirectionBullish
	case ratio < 0.4 || marginOfSafety < -0.2:
		direction = domain.DirectionBearish
	}

	confidence := clamp(20+60*(ratio-0.5), 20, 85)
	consistency := subfactorConsistency([]float64{valuationMargin, quality, balanceSheet, earningsQuality, conservativeGrowth})
	confidence = clamp(confidence+consistency*10, 20, 95)

	return domain.Signal{
		Direction:  direction,
		Confidence: int(confidence),
		Reasoning:  fmt.Sprintf("value ratio=%.2f margin_of_safety=%.2f", ratio, marginOfSafety),
		Extra:      map[string]any{"ratio": ratio, "margin_of_safety": marginOfSafety},
	}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
