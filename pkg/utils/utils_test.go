package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestCalculateReturnsComputesSimplePeriodReturns(t *testing.T) {
	rets := CalculateReturns([]decimal.Decimal{dec(100), dec(110), dec(99)})
	if len(rets) != 2 {
		t.Fatalf("expected 2 returns from 3 prices, got %d", len(rets))
	}
	if !rets[0].Equal(dec(0.1)) {
		t.Fatalf("expected first return 0.1, got %s", rets[0])
	}
	if !rets[1].Equal(dec(-0.1)) {
		t.Fatalf("expected second return -0.1, got %s", rets[1])
	}
}

func TestCalculateMaxDrawdownFindsPeakToTrough(t *testing.T) {
	dd := CalculateMaxDrawdown([]decimal.Decimal{dec(100), dec(120), dec(90), dec(110)})
	want := dec(0.25) // (120-90)/120
	if !dd.Equal(want) {
		t.Fatalf("expected max drawdown %s, got %s", want, dd)
	}
}

func TestCalculateWinRateCountsPositivePeriods(t *testing.T) {
	wr := CalculateWinRate([]decimal.Decimal{dec(1), dec(-1), dec(2), dec(0)})
	want := dec(0.5)
	if !wr.Equal(want) {
		t.Fatalf("expected win rate %s, got %s", want, wr)
	}
}

func TestCalculateSharpeRatioIsZeroWithoutVariance(t *testing.T) {
	sr := CalculateSharpeRatio([]decimal.Decimal{dec(0.01), dec(0.01), dec(0.01)}, decimal.Zero, 252)
	if !sr.IsZero() {
		t.Fatalf("expected zero Sharpe ratio for a zero-variance return series, got %s", sr)
	}
}

func TestClampDecimalBoundsValue(t *testing.T) {
	if !ClampDecimal(dec(15), dec(0), dec(10)).Equal(dec(10)) {
		t.Fatal("expected clamp to cap above max")
	}
	if !ClampDecimal(dec(-5), dec(0), dec(10)).Equal(dec(0)) {
		t.Fatal("expected clamp to floor below min")
	}
	if !ClampDecimal(dec(5), dec(0), dec(10)).Equal(dec(5)) {
		t.Fatal("expected clamp to pass through an in-range value")
	}
}

func TestFormatMoneyUsesCurrencySymbol(t *testing.T) {
	if got := FormatMoney(dec(1234.5), "USD"); got != "$1234.50" {
		t.Fatalf("expected $1234.50, got %s", got)
	}
	if got := FormatMoney(dec(10), "JPY"); got != "10.00 JPY" {
		t.Fatalf("expected fallback format for unknown currency, got %s", got)
	}
}
