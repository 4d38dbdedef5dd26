package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// Valuation is spec.md §4.2's "external collaborator, reduced to the same
// signal contract" analyst — distilled from aswath_damodaran_agent, which
// requires DCF inputs (cost of capital, growth-stage multiples) this
// engine does not wire in. It is reduced here to a single price-to-trend
// deviation proxy: how far the current price sits from a long-run fair
// value estimated by a 200-day moving average.
type Valuation struct{ base }

// NewValuation builds the Valuation analyst over the price cache.
func NewValuation(logger *zap.Logger, cache *pricecache.PriceCache) *Valuation {
	return &Valuation{base{id: IDValuation, cache: cache, logger: logger.Named("analyst.valuation")}}
}

func (v *Valuation) Evaluate(ctx context.Context, state *domain.GraphState) error {
	return v.evaluate(ctx, state, func(ticker string) (domain.Signal, error) {
		return v.scoreTicker(ticker, state)
	})
}

func (v *Valuation) scoreTicker(ticker string, state *domain.GraphState) (domain.Signal, error) {
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
	fairValue := sma(closes, min(len(closes), 200))

	ratio := 0.5
	discount := 0.0
	if fairValue > 0 {
		discount = (fairValue - price) / fairValue
		ratio = clamp(0.5+discount*1.5, 0, 1)
	}

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
		Reasoning:  fmt.Sprintf("fair_value_discount=%.2f%% ratio=%.2f", discount*100, ratio),
		Extra:      map[string]any{"ratio": ratio, "discount": discount},
	}, nil
}
