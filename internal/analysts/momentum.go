package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// Momentum scores a ticker on its 20-day price return. Regime-adjusted by
// the Portfolio Manager, not here.
type Momentum struct{ base }

// NewMomentum builds the Momentum analyst over the given price cache.
func NewMomentum(logger *zap.Logger, cache *pricecache.PriceCache) *Momentum {
	return &Momentum{base{id: IDMomentum, cache: cache, logger: logger.Named("analyst.momentum")}}
}

func (m *Momentum) Evaluate(ctx context.Context, state *domain.GraphState) error {
	return m.evaluate(ctx, state, func(ticker string) (domain.Signal, error) {
		return m.scoreTicker(ticker, state)
	})
}

func (m *Momentum) scoreTicker(ticker string, state *domain.GraphState) (domain.Signal, error) {
	bars, err := m.cache.Range(ticker, state.Date.AddDate(0, 0, -40), state.Date)
	if err != nil {
		return domain.Signal{}, err
	}
	if len(bars) < 20 {
		return domain.Signal{}, fmt.Errorf("need >=20 bars, have %d", len(bars))
	}

	now := bars[len(bars)-1].Close
	then := bars[len(bars)-20].Close
	if then.IsZero() {
		return domain.Signal{}, fmt.Errorf("zero base price")
	}

	r, _ := now.Sub(then).Div(then).Float64()

	direction := domain.DirectionNeutral
	switch {
	case r > 0.02:
		direction = domain.DirectionBullish
	case r < -0.02:
		direction = domain.DirectionBearish
	}

	abs := r
	if abs < 0 {
		abs = -abs
	}
	mult := 400.0
	if abs > 0.05 {
		mult = 500
	}
	confidence := clamp(50+abs*mult, 50, 85)

	return domain.Signal{
		Direction:  direction,
		Confidence: int(confidence),
		Reasoning:  fmt.Sprintf("20-day return %.2f%%", r*100),
		Extra:      map[string]any{"return_20d": r},
	}, nil
}
