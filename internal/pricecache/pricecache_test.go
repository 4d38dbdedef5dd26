package pricecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func writeCSV(t *testing.T, dir, ticker, body string) {
	t.Helper()
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestLoadAndBarNearestPreceding(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", "date,open,high,low,close,volume\n"+
		"2024-01-02,100,101,99,100.5,1000\n"+
		"2024-01-03,100.5,102,100,101.5,1200\n"+
		"2024-01-05,101.5,103,101,102.5,900\n")

	cache := New(zap.NewNop(), dir)
	if err := cache.Load("AAPL"); err != nil {
		t.Fatalf("load: %v", err)
	}

	bar, err := cache.Bar("AAPL", time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("bar: %v", err)
	}
	if !bar.Close.Equal(decimal.NewFromFloat(101.5)) || bar.Date.Day() != 3 {
		t.Fatalf("expected nearest preceding bar from Jan 3, got %s", bar.Date)
	}
}

func TestLoadRejectsNonMonotonicDates(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BAD", "date,open,high,low,close,volume\n"+
		"2024-01-03,1,1,1,1,1\n"+
		"2024-01-02,1,1,1,1,1\n")

	cache := New(zap.NewNop(), dir)
	err := cache.Load("BAD")
	if err == nil {
		t.Fatal("expected an error for non-monotonic dates")
	}
	if _, ok := err.(*engineerr.DataUnavailableError); !ok {
		t.Fatalf("expected DataUnavailableError, got %T", err)
	}
}

func TestLoadRejectsOHLCViolation(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BAD2", "date,open,high,low,close,volume\n"+
		"2024-01-02,100,90,80,95,1000\n")

	cache := New(zap.NewNop(), dir)
	if err := cache.Load("BAD2"); err == nil {
		t.Fatal("expected OHLC invariant violation to be rejected")
	}
}

func TestRangeIsInclusive(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "X", "date,open,high,low,close,volume\n"+
		"2024-01-01,1,1,1,1,1\n"+
		"2024-01-02,1,1,1,1,1\n"+
		"2024-01-03,1,1,1,1,1\n")

	cache := New(zap.NewNop(), dir)
	if err := cache.Load("X"); err != nil {
		t.Fatalf("load: %v", err)
	}

	bars, err := cache.Range("X", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 inclusive bars, got %d", len(bars))
	}
}

func TestBarMissingTickerReturnsDataUnavailable(t *testing.T) {
	cache := New(zap.NewNop(), t.TempDir())
	_, err := cache.Bar("NOPE", time.Now())
	if _, ok := err.(*engineerr.DataUnavailableError); !ok {
		t.Fatalf("expected DataUnavailableError, got %T (%v)", err, err)
	}
}
