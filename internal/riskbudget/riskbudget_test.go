package riskbudget

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

func seedFlatSeries(t *testing.T, cache *pricecache.PriceCache, dir, ticker string, days int, price float64) {
	t.Helper()
	body := "date,open,high,low,close,volume\n"
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		body += fmt.Sprintf("%s,%g,%g,%g,%g,1\n", d.Format("2006-01-02"), price, price, price, price)
		d = d.AddDate(0, 0, 1)
	}
	writeFixture(t, dir, ticker, body)
	if err := cache.Load(ticker); err != nil {
		t.Fatalf("load fixture: %v", err)
	}
}

func TestHoldDecisionGetsZeroBudget(t *testing.T) {
	b := New(pricecache.New(zap.NewNop(), t.TempDir()))
	state := domain.NewGraphState(time.Now(), []string{"AAPL"})
	state.Decisions["AAPL"] = domain.TradeDecision{Action: domain.ActionHold}

	if err := b.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state.RiskBudgets["AAPL"].FinalRiskPct != 0 {
		t.Fatalf("expected zero budget for hold, got %v", state.RiskBudgets["AAPL"])
	}
}

func TestFinalRiskPctIsClamped(t *testing.T) {
	dir := t.TempDir()
	cache := pricecache.New(zap.NewNop(), dir)
	seedFlatSeries(t, cache, dir, "AAPL", 40, 100)

	b := New(cache)
	state := domain.NewGraphState(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), []string{"AAPL"})
	state.Decisions["AAPL"] = domain.TradeDecision{Action: domain.ActionBuy, Confidence: 90}
	state.MarketRegime = &domain.MarketRegimeEntry{RiskMultiplier: 1.0}

	if err := b.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	final := state.RiskBudgets["AAPL"].FinalRiskPct
	if final < minRiskPct || final > maxRiskPct {
		t.Fatalf("expected final risk pct within [%v, %v], got %v", minRiskPct, maxRiskPct, final)
	}
}

func writeFixture(t *testing.T, dir, ticker, body string) {
	t.Helper()
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}
