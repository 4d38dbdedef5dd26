// Package pricecache provides read-only, in-memory access to historical
// per-ticker OHLCV data loaded once at startup from CSV files.
package pricecache

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceCache is a frozen-after-load, per-ticker bar store. Unlike a live
// market-data client it never fetches or synthesizes data: a missing file
// or malformed row is a hard load-time error.
type PriceCache struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	bars    map[string][]domainBar
}

// domainBar mirrors domain.Bar without importing the domain package, to
// keep pricecache a leaf dependency consumed by domain-aware callers via
// the conversion in Bar().
type domainBar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// New creates an empty cache rooted at dataDir. Call Load for each ticker
// the run needs before any analyst reads from it.
func New(logger *zap.Logger, dataDir string) *PriceCache {
	return &PriceCache{
		logger:  logger,
		dataDir: dataDir,
		bars:    make(map[string][]domainBar),
	}
}

// Load reads "<ticker>.csv" from the data directory and validates it
// eagerly: monotonically increasing dates, no duplicate dates, valid OHLC
// ordering, non-negative volume, strictly positive prices. Any violation
// is returned as a *engineerr.DataUnavailableError and the ticker is left
// unloaded.
func (c *PriceCache) Load(ticker string) error {
	path := filepath.Join(c.dataDir, ticker+".csv")
	f, err := os.Open(path)
	if err != nil {
		return &engineerr.DataUnavailableError{Ticker: ticker, Cause: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return &engineerr.DataUnavailableError{Ticker: ticker, Cause: err}
	}
	if len(rows) == 0 {
		return &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("empty file")}
	}

	start := 0
	if isHeaderRow(rows[0]) {
		start = 1
	}

	bars := make([]domainBar, 0, len(rows)-start)
	var prevDate time.Time
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if len(row) < 6 {
			return &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("row %d: expected 6 columns, got %d", i, len(row))}
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			return &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("row %d: bad date %q: %w", i, row[0], err)}
		}
		if i > start && !date.After(prevDate) {
			return &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("row %d: dates not strictly increasing (%s after %s)", i, date, prevDate)}
		}
		open, err1 := decimal.NewFromString(row[1])
		high, err2 := decimal.NewFromString(row[2])
		low, err3 := decimal.NewFromString(row[3])
		close, err4 := decimal.NewFromString(row[4])
		volume, err5 := decimal.NewFromString(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			return &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("row %d: malformed numeric field", i)}
		}
		if !open.IsPositive() || !high.IsPositive() || !low.IsPositive() || !close.IsPositive() {
			return &engineerr.DataUnavailableError{Ticker: ticker, Date: date, Cause: fmt.Errorf("row %d: non-positive price", i)}
		}
		if volume.IsNegative() {
			return &engineerr.DataUnavailableError{Ticker: ticker, Date: date, Cause: fmt.Errorf("row %d: negative volume", i)}
		}
		if high.LessThan(low) || high.LessThan(open) || high.LessThan(close) || low.GreaterThan(open) || low.GreaterThan(close) {
			return &engineerr.DataUnavailableError{Ticker: ticker, Date: date, Cause: fmt.Errorf("row %d: OHLC invariant violated", i)}
		}

		bars = append(bars, domainBar{Date: date, Open: open, High: high, Low: low, Close: close, Volume: volume})
		prevDate = date
	}

	c.mu.Lock()
	c.bars[ticker] = bars
	c.mu.Unlock()

	c.logger.Debug("loaded price series", zap.String("ticker", ticker), zap.Int("bars", len(bars)))
	return nil
}

func isHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	_, err := time.Parse("2006-01-02", row[0])
	return err != nil
}

// Bar returns the bar for ticker on the exact date, falling back to the
// nearest preceding trading day if the exact date has no observation.
func (c *PriceCache) Bar(ticker string, date time.Time) (*Bar, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series, ok := c.bars[ticker]
	if !ok || len(series) == 0 {
		return nil, &engineerr.DataUnavailableError{Ticker: ticker, Date: date, Cause: fmt.Errorf("no series loaded")}
	}

	idx := sort.Search(len(series), func(i int) bool { return series[i].Date.After(date) })
	if idx == 0 {
		return nil, &engineerr.DataUnavailableError{Ticker: ticker, Date: date, Cause: fmt.Errorf("no observation on or before date")}
	}
	b := series[idx-1]
	return &Bar{Date: b.Date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}, nil
}

// Range returns the inclusive [start, end] slice of bars for ticker,
// ordered by date ascending.
func (c *PriceCache) Range(ticker string, start, end time.Time) ([]Bar, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series, ok := c.bars[ticker]
	if !ok {
		return nil, &engineerr.DataUnavailableError{Ticker: ticker, Cause: fmt.Errorf("no series loaded")}
	}

	lo := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(start) })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Date.After(end) })
	if lo >= hi {
		return nil, nil
	}

	out := make([]Bar, 0, hi-lo)
	for _, b := range series[lo:hi] {
		out = append(out, Bar{Date: b.Date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	return out, nil
}

// Bar is the public, immutable view of one OHLCV observation.
type Bar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// ParseFloat is a small helper used by analysts that need a float64 view
// of a decimal field for go-talib/gonum calls, which operate on []float64.
func ParseFloat(d decimal.Decimal) float64 {
	f, _ := strconv.ParseFloat(d.String(), 64)
	return f
}
