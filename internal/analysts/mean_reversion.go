package analysts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// MeanReversion scores a ticker on RSI(14) plus deviation from its 20-day
// and 50-day moving averages. Regime-adjusted by the Portfolio Manager.
type MeanReversion struct{ base }

// NewMeanReversion builds the Mean Reversion analyst over the given price cache.
func NewMeanReversion(logger *zap.Logger, cache *pricecache.PriceCache) *MeanReversion {
	return &MeanReversion{base{id: IDMeanReversion, cache: cache, logger: logger.Named("analyst.mean_reversion")}}
}

func (m *MeanReversion) Evaluate(ctx context.Context, state *domain.GraphState) error {
	return m.evaluate(ctx, state, func(ticker string) (domain.Signal, error) {
		return m.scoreTicker(ticker, state)
	})
}

func (m *MeanReversion) scoreTicker(ticker string, state *domain.GraphState) (domain.Signal, error) {
	bars, err := m.cache.Range(ticker, state.Date.AddDate(0, 0, -90), state.Date)
	if err != nil {
		return domain.Signal{}, err
	}
	if len(bars) < 50 {
		return domain.Signal{}, fmt.Errorf("need >=50 bars, have %d", len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = pricecache.ParseFloat(b.Close)
	}

	rsi := talib.Rsi(closes, 14)
	currentRSI := rsi[len(rsi)-1]
	currentPrice := closes[len(closes)-1]

	ma20 := sma(closes, 20)
	ma50 := sma(closes, 50)

	score := 0
	switch {
	case currentRSI < 30:
		score += 3
	case currentRSI < 40:
		score += 1
	case currentRSI > 70:
		score -= 3
	case currentRSI > 60:
		score -= 1
	}

	if ma20 > 0 {
		dev20 := (currentPrice - ma20) / ma20
		switch {
		case dev20 < -0.05:
			score += 2
		case dev20 < -0.02:
			score += 1
		case dev20 > 0.05:
			score -= 2
		case dev20 > 0.02:
			score -= 1
		}
	}

	if ma50 > 0 {
		dev50 := (currentPrice - ma50) / ma50
		switch {
		case dev50 < -0.08:
			score += 2
		case dev50 < -0.03:
			score += 1
		case dev50 > 0.08:
			score -= 2
		case dev50 > 0.03:
			score -= 1
		}
	}

	direction := domain.DirectionNeutral
	switch {
	case score >= 4:
		direction = domain.DirectionBullish
	case score <= -4:
		direction = domain.DirectionBearish
	}

	abs := score
	if abs < 0 {
		abs = -abs
	}
	confidence := clamp(50+8*float64(abs), 0, 85)

	return domain.Signal{
		Direction:  direction,
		Confidence: int(confidence),
		Reasoning:  fmt.Sprintf("RSI=%.1f MA20dev MA50dev composite score=%d", currentRSI, score),
		Extra:      map[string]any{"rsi14": currentRSI, "score": score},
	}, nil
}

// sma returns the simple moving average of the last n values in series,
// or 0 if series is shorter than n.
func sma(series []float64, n int) float64 {
	if len(series) < n {
		return 0
	}
	sum := 0.0
	for _, v := range series[len(series)-n:] {
		sum += v
	}
	return sum / float64(n)
}
