package analysts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"go.uber.org/zap"
)

// writeRisingSeries writes a steadily-rising daily close series and returns
// the date of its last bar.
func writeRisingSeries(t *testing.T, dir, ticker string, days int, start float64) time.Time {
	t.Helper()
	body := "date,open,high,low,close,volume\n"
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	var last time.Time
	for i := 0; i < days; i++ {
		body += fmt.Sprintf("%s,%.4f,%.4f,%.4f,%.4f,1000\n",
			d.Format("2006-01-02"), price, price*1.01, price*0.99, price)
		last = d
		d = d.AddDate(0, 0, 1)
		price *= 1.01
	}
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return last
}

func TestMomentumDetectsBullishUptrend(t *testing.T) {
	dir := t.TempDir()
	cache := pricecache.New(zap.NewNop(), dir)
	last := writeRisingSeries(t, dir, "AAPL", 30, 100)
	if err := cache.Load("AAPL"); err != nil {
		t.Fatalf("load: %v", err)
	}

	m := NewMomentum(zap.NewNop(), cache)
	state := domain.NewGraphState(last, []string{"AAPL"})
	if err := m.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	sig := state.Signals[IDMomentum]["AAPL"]
	if sig.Direction != domain.DirectionBullish {
		t.Fatalf("expected bullish direction on a steady uptrend, got %v (%s)", sig.Direction, sig.Reasoning)
	}
	if sig.Confidence < 50 || sig.Confidence > 85 {
		t.Fatalf("expected confidence within [50, 85], got %d", sig.Confidence)
	}
}

func TestMomentumFallsBackToNeutralOnInsufficientData(t *testing.T) {
	dir := t.TempDir()
	cache := pricecache.New(zap.NewNop(), dir)
	last := writeRisingSeries(t, dir, "AAPL", 5, 100)
	if err := cache.Load("AAPL"); err != nil {
		t.Fatalf("load: %v", err)
	}

	m := NewMomentum(zap.NewNop(), cache)
	state := domain.NewGraphState(last, []string{"AAPL"})
	if err := m.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	sig := state.Signals[IDMomentum]["AAPL"]
	if sig.Direction != domain.DirectionNeutral || sig.Confidence != 50 {
		t.Fatalf("expected the shared neutral fallback, got %+v", sig)
	}
}

func TestEveryCoreAnalystFallsBackToNeutralForUnknownTicker(t *testing.T) {
	cache := pricecache.New(zap.NewNop(), t.TempDir())
	state := domain.NewGraphState(time.Now(), []string{"GHOST"})

	agents := []domain.Signal{}
	run := func(a interface {
		Evaluate(ctx context.Context, state *domain.GraphState) error
		ID() string
	}) {
		if err := a.Evaluate(context.Background(), state); err != nil {
			t.Fatalf("%s evaluate: %v", a.ID(), err)
		}
		agents = append(agents, state.Signals[a.ID()]["GHOST"])
	}

	run(NewValueComposite(zap.NewNop(), cache))
	run(NewGrowthComposite(zap.NewNop(), cache))
	run(NewValuation(zap.NewNop(), cache))
	run(NewMomentum(zap.NewNop(), cache))
	run(NewMeanReversion(zap.NewNop(), cache))

	for i, sig := range agents {
		if sig.Direction != domain.DirectionNeutral || sig.Confidence != 50 {
			t.Fatalf("analyst %d: expected neutral fallback for a missing ticker, got %+v", i, sig)
		}
	}
}

func TestSubfactorConsistencyIsHighestWhenScoresAgree(t *testing.T) {
	agree := subfactorConsistency([]float64{7, 7, 7})
	disagree := subfactorConsistency([]float64{0, 10, 0})
	if agree <= disagree {
		t.Fatalf("expected agreeing scores to score higher consistency, got agree=%v disagree=%v", agree, disagree)
	}
	if agree < 0 || agree > 1 || disagree < 0 || disagree > 1 {
		t.Fatalf("expected consistency within [0,1], got agree=%v disagree=%v", agree, disagree)
	}
}

func TestMaxDrawdownFindsPeakToTroughDecline(t *testing.T) {
	dd := maxDrawdown([]float64{100, 110, 55, 80})
	want := 0.5 // (110-55)/110
	if dd < want-0.001 || dd > want+0.001 {
		t.Fatalf("expected drawdown ~%.3f, got %.3f", want, dd)
	}
}

func TestDailyReturnsSkipsZeroBase(t *testing.T) {
	rets := dailyReturns([]float64{100, 0, 110})
	if len(rets) != 1 {
		t.Fatalf("expected zero-base transition to be skipped, got %v", rets)
	}
}
