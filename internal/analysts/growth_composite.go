package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// GrowthComposite approximates the four-subfactor growth score described
// in spec.md §4.2 from cached price history. Like ValueComposite, the
// agent this is distilled from (peter_lynch_agent) requires revenue/EPS
// series and insider-trade/news feeds this engine does not wire in; it
// always takes the spec's price-derived proxy path.
type GrowthComposite struct{ base }

// NewGrowthComposite builds the Growth Composite analyst over the price cache.
func NewGrowthComposite(logger *zap.Logger, cache *pricecache.PriceCache) *GrowthComposite {
	return &GrowthComposite{base{id: IDGrowthComposite, cache: cache, logger: logger.Named("analyst.growth_composite")}}
}

func (g *GrowthComposite) Evaluate(ctx context.Context, state *domain.GraphState) error {
	return g.evaluate(ctx, state, func(ticker string) (domain.Signal, error) {
		return g.scoreTicker(ticker, state)
	})
}

func (g *GrowthComposite) scoreTicker(ticker string, state *domain.GraphState) (domain.Signal, error) {
	bars, err := g.cache.Range(ticker, state.Date.AddDate(0, 0, -140), state.Date)
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

	half := len(closes) / 2
	recentTrend := trendSlope(closes[half:])
	olderTrend := trendSlope(closes[:half])

	revenueGrowth := clamp(5+recentTrend*300, 0, 10)
	earningsGrowth := clamp(5+(recentTrend-olderTrend)*400, 0, 10)

	// PEG-style sanity: penalize growth that outruns its own volatility too
	// aggressively (a cheap proxy for "growth at a reasonable price").
	vol := annualizedVol(closes)
	pegSanity := 10.0
	if vol > 0 {
		pegSanity = clamp(10-((recentTrend*252)/vol)*2, 0, 10)
	}

	businessSimplicity := clamp(10-annualizedVol(closes)*25, 0, 10)

	weights := map[string]float64{"revenue": 0.30, "earnings": 0.25, "peg": 0.25, "simplicity": 0.20}
	ratio := weights["revenue"]*(revenueGrowth/10) +
		weights["earnings"]*(earningsGrowth/10) +
		weights["peg"]*(pegSanity/10) +
		weights["simplicity"]*(businessSimplicity/10)

	direction := domain.DirectionNeutral
	switch {
	case ratio > 0.7:
		direction = domain.DirectionBullish
	case ratio < 0.4:
		direction = domain.DirectionBearish
	}

	confidence := clamp(20+60*(ratio-0.5), 20, 85)

	return domain.Signal{
		Direction:  direction,
		Confidence: int(confidence),
		Reasoning:  fmt.Sprintf("growth ratio=%.2f recent_trend=%.4f", ratio, recentTrend),
		Extra:      map[string]any{"ratio": ratio, "recent_trend": recentTrend},
	}, nil
}
