package allocator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func writeLockstepSeries(t *testing.T, dir, ticker string, days int, seedOffset float64) {
	t.Helper()
	body := "date,open,high,low,close,volume\n"
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0 + seedOffset
	for i := 0; i < days; i++ {
		body += fmt.Sprintf("%s,%.4f,%.4f,%.4f,%.4f,1000\n", d.Format("2006-01-02"), price, price, price, price)
		d = d.AddDate(0, 0, 1)
		if i%2 == 0 {
			price *= 1.02
		} else {
			price *= 0.99
		}
	}
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func decisionState(date time.Time, decisions map[string]domain.TradeDecision) *domain.GraphState {
	tickers := make([]string, 0, len(decisions))
	for t := range decisions {
		tickers = append(tickers, t)
	}
	s := domain.NewGraphState(date, tickers)
	for t, d := range decisions {
		s.Decisions[t] = d
	}
	return s
}

func TestExposureCapScalesDownOversizedGrossBuy(t *testing.T) {
	a := New(pricecache.New(zap.NewNop(), t.TempDir()), nil)
	a.SetContext(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100),
		"MSFT": decimal.NewFromInt(100),
	}, decimal.NewFromInt(1000)) // grossCap = 2x NAV = 2000

	state := decisionState(time.Now(), map[string]domain.TradeDecision{
		"AAPL": {Action: domain.ActionBuy, Quantity: 15}, // $1500
		"MSFT": {Action: domain.ActionBuy, Quantity: 15}, // $1500, gross=$3000 > $2000
	})

	if err := a.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	total := state.Decisions["AAPL"].Quantity + state.Decisions["MSFT"].Quantity
	if total >= 30 {
		t.Fatalf("expected the gross exposure cap to scale total quantity down from 30, got %d", total)
	}
}

func TestSectorCapScalesDownConcentratedSectorExposure(t *testing.T) {
	sectorOf := map[string]string{"AAPL": "tech", "MSFT": "tech"}
	a := New(pricecache.New(zap.NewNop(), t.TempDir()), sectorOf)
	a.SetContext(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100),
		"MSFT": decimal.NewFromInt(100),
	}, decimal.NewFromInt(1000)) // sectorCap = 0.30*1000 = 300

	state := decisionState(time.Now(), map[string]domain.TradeDecision{
		"AAPL": {Action: domain.ActionBuy, Quantity: 2}, // $200
		"MSFT": {Action: domain.ActionBuy, Quantity: 2}, // $200, sector total $400 > $300
	})

	if err := a.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	total := state.Decisions["AAPL"].Quantity + state.Decisions["MSFT"].Quantity
	if total >= 4 {
		t.Fatalf("expected the sector cap to scale down the combined tech exposure from 4 shares, got %d", total)
	}
}

func TestCorrelationCapHalvesOneSideOfAHighlyCorrelatedPair(t *testing.T) {
	dir := t.TempDir()
	cache := pricecache.New(zap.NewNop(), dir)
	writeLockstepSeries(t, dir, "AAPL", 60, 0)
	writeLockstepSeries(t, dir, "MSFT", 60, 0) // identical series: correlation ~1.0
	if err := cache.Load("AAPL"); err != nil {
		t.Fatalf("load AAPL: %v", err)
	}
	if err := cache.Load("MSFT"); err != nil {
		t.Fatalf("load MSFT: %v", err)
	}

	a := New(cache, nil)
	a.SetContext(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100),
		"MSFT": decimal.NewFromInt(100),
	}, decimal.NewFromInt(100000)) // NAV large enough that exposure/sector caps don't bind

	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 59)
	state := decisionState(date, map[string]domain.TradeDecision{
		"AAPL": {Action: domain.ActionBuy, Quantity: 10},
		"MSFT": {Action: domain.ActionBuy, Quantity: 5},
	})

	if err := a.Evaluate(context.Background(), state); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if state.Decisions["MSFT"].Quantity != 2 {
		t.Fatalf("expected the correlation cap to halve the smaller-exposure side (MSFT, 5->2), got AAPL=%d MSFT=%d",
			state.Decisions["AAPL"].Quantity, state.Decisions["MSFT"].Quantity)
	}
}

func TestEvaluateRejectsNonPositiveNAV(t *testing.T) {
	a := New(pricecache.New(zap.NewNop(), t.TempDir()), nil)
	a.SetContext(map[string]decimal.Decimal{}, decimal.Zero)
	state := domain.NewGraphState(time.Now(), []string{"AAPL"})
	if err := a.Evaluate(context.Background(), state); err == nil {
		t.Fatal("expected an error for non-positive NAV")
	}
}
