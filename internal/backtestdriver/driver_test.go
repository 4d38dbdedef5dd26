package backtestdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/allocator"
	"github.com/atlas-desktop/trading-engine/internal/executor"
	"github.com/atlas-desktop/trading-engine/internal/graph"
	"github.com/atlas-desktop/trading-engine/internal/portfoliomgr"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"github.com/atlas-desktop/trading-engine/internal/riskbudget"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func writeFlatFixture(t *testing.T, dir, ticker string, start, end time.Time) {
	t.Helper()
	body := "date,open,high,low,close,volume\n"
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		body += fmt.Sprintf("%s,100,100,100,100,1000\n", d.Format("2006-01-02"))
	}
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func newTestDriver(t *testing.T, dir string, start, end time.Time) *Driver {
	t.Helper()
	cache := pricecache.New(zap.NewNop(), dir)
	pm := portfoliomgr.New()
	rb := riskbudget.New(cache)
	alloc := allocator.New(cache, nil)

	cfg := Config{
		Tickers:           []string{"AAPL"},
		Start:             start,
		End:               end,
		InitialCapital:    decimal.NewFromInt(10000),
		MarginRequirement: decimal.NewFromFloat(0.5),
		RiskMaxShares:     100,
		Costs:             executor.Costs{},
	}

	d, err := New(zap.NewNop(), cfg, cache, nil, pm, rb, alloc, os.Stdout)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return d
}

func TestRunWithNoAgentsHoldsEveryDayAndCompletes(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)  // a Tuesday
	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)   // following Wednesday
	writeFlatFixture(t, dir, "AAPL", start.AddDate(0, 0, -5), end.AddDate(0, 0, 5))

	d := newTestDriver(t, dir, start, end)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.State != StateComplete {
		t.Fatalf("expected the run to complete, got state %s", summary.State)
	}
	if !summary.FinalValue.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected final value to equal initial capital with no trades, got %s", summary.FinalValue)
	}
	if summary.OutputHash == "" {
		t.Fatal("expected a non-empty determinism output hash")
	}
}

func TestOutputHashIsDeterministicAcrossIdenticalRuns(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	writeFlatFixture(t, dir, "AAPL", start.AddDate(0, 0, -5), end.AddDate(0, 0, 5))

	d1 := newTestDriver(t, dir, start, end)
	s1, err := d1.Run(context.Background())
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}

	d2 := newTestDriver(t, dir, start, end)
	s2, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}

	if s1.OutputHash != s2.OutputHash {
		t.Fatalf("expected identical inputs to produce an identical output hash, got %q vs %q", s1.OutputHash, s2.OutputHash)
	}
}

func TestGapDayWithNoPriceDataIsNotMarkedProcessed(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	// The fixture covers only `start`, leaving a gap with no bar on `gap`.
	writeFlatFixture(t, dir, "AAPL", start, start)
	gap := start.AddDate(0, 0, 1)

	d := newTestDriver(t, dir, start, end)
	if err := d.cache.Load("AAPL"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := d.runIteration(context.Background(), 0, gap); err != nil {
		t.Fatalf("expected a no-price-data day to be skipped without error, got %v", err)
	}
	if len(d.dailyValues) != 0 {
		t.Fatalf("expected no row emitted for the gap day, got %d", len(d.dailyValues))
	}
	key := gap.Format("2006-01-02")
	if d.processedDates[key] {
		t.Fatal("a day with no price data must not be marked processed")
	}

	// Reprocessing the same gap day must still be allowed, since nothing
	// was ever recorded for it.
	if err := d.runIteration(context.Background(), 1, gap); err != nil {
		t.Fatalf("expected the gap day to be reprocessable, got %v", err)
	}
	if len(d.processedDates) != 0 {
		t.Fatalf("expected processedDates to stay empty across repeated gap days, got %d", len(d.processedDates))
	}
}

func TestDuplicateDateProcessingIsRejected(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	writeFlatFixture(t, dir, "AAPL", start.AddDate(0, 0, -5), end.AddDate(0, 0, 5))

	d := newTestDriver(t, dir, start, end)
	if err := d.cache.Load("AAPL"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := d.runIteration(context.Background(), 0, start); err != nil {
		t.Fatalf("first iteration: %v", err)
	}
	if err := d.runIteration(context.Background(), 1, start); err == nil {
		t.Fatal("expected reprocessing the same date to fail")
	}
}
