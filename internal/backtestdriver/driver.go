// Package backtestdriver runs the deterministic, sequential day loop: it
// owns the INIT -> LOADING -> RUNNING -> {COMPLETE, LIQUIDATED,
// ENGINE_FAILED} state machine, the portfolio, and the one-line-per-
// iteration contract log.
//
// Adapted in style from internal/backtester/engine.go's atomic-state,
// mutex-guarded Engine (running/cancelled flags, progress tracking,
// constructor-injected collaborators); the day-loop semantics themselves
// are grounded on
// original_source/src/backtesting/deterministic_backtest.py's run() and
// _run_daily_decision().
package backtestdriver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/allocator"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"github.com/atlas-desktop/trading-engine/internal/executor"
	"github.com/atlas-desktop/trading-engine/internal/graph"
	"github.com/atlas-desktop/trading-engine/internal/portfoliomgr"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"github.com/atlas-desktop/trading-engine/internal/riskbudget"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the driver's run state.
type State int32

const (
	StateInit State = iota
	StateLoading
	StateRunning
	StateComplete
	StateLiquidated
	StateEngineFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLoading:
		return "LOADING"
	case StateRunning:
		return "RUNNING"
	case StateComplete:
		return "COMPLETE"
	case StateLiquidated:
		return "LIQUIDATED"
	case StateEngineFailed:
		return "ENGINE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Config configures one backtest run.
type Config struct {
	Tickers           []string
	Start             time.Time
	End               time.Time
	InitialCapital    decimal.Decimal
	MarginRequirement decimal.Decimal
	SectorOf          map[string]string
	RiskMaxShares     int64 // cap on risk-budgeted shares before price-affordability narrowing
	Costs             executor.Costs
}

// Driver owns the whole run: state machine, portfolio, graph engine, and
// the per-day iteration log.
type Driver struct {
	logger *zap.Logger
	cfg    Config
	cache  *pricecache.PriceCache

	state atomic.Int32

	portfolio *domain.Portfolio
	engine    *graph.Engine
	pm        *portfoliomgr.Manager
	rb        *riskbudget.Budgeter
	alloc     *allocator.Allocator
	exec      *executor.Executor

	iterationLog io.Writer

	dailyValues    []DailyDigest
	processedDates map[string]bool
	rows           []domain.DailyRow
}

// DailyDigest is one day's value/count pair used for the determinism
// output hash.
type DailyDigest struct {
	Date  time.Time
	Value decimal.Decimal
	N     int
}

// New builds a Driver. agents is the fully-wired analyst graph (core
// analysts + advisory agents + system agents except the allocator/
// executor, which the driver wires itself since they need live portfolio
// state the graph's Agent interface doesn't carry).
func New(logger *zap.Logger, cfg Config, cache *pricecache.PriceCache, agents []graph.Agent, pm *portfoliomgr.Manager, rb *riskbudget.Budgeter, alloc *allocator.Allocator, iterationLog io.Writer) (*Driver, error) {
	eng, err := graph.NewEngine(logger, agents)
	if err != nil {
		return nil, fmt.Errorf("backtestdriver: %w", err)
	}

	d := &Driver{
		logger:         logger,
		cfg:            cfg,
		cache:          cache,
		portfolio:      domain.NewPortfolio(cfg.InitialCapital, cfg.MarginRequirement),
		engine:         eng,
		pm:             pm,
		rb:             rb,
		alloc:          alloc,
		exec:           executor.New(cfg.InitialCapital, cfg.Costs),
		iterationLog:   iterationLog,
		processedDates: make(map[string]bool),
	}
	d.state.Store(int32(StateInit))
	return d, nil
}

// State returns the driver's current state.
func (d *Driver) State() State { return State(d.state.Load()) }

// Run generates the business-day sequence and runs one iteration per
// day, strictly sequentially. It always returns a best-effort summary,
// even when it also returns a non-nil error.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	d.state.Store(int32(StateLoading))
	for _, t := range d.cfg.Tickers {
		if err := d.cache.Load(t); err != nil {
			d.state.Store(int32(StateEngineFailed))
			return d.summarize(), err
		}
	}

	days := businessDays(d.cfg.Start, d.cfg.End)
	d.state.Store(int32(StateRunning))

	for i, date := range days {
		select {
		case <-ctx.Done():
			d.state.Store(int32(StateEngineFailed))
			return d.summarize(), ctx.Err()
		default:
		}

		start := time.Now()
		err := d.runIteration(ctx, i, date)
		elapsed := time.Since(start)

		value := d.lastPortfolioValue()
		fmt.Fprintf(d.iterationLog, "[%d] %s | V=$%s | Δt=%ss\n", i, date.Format("2006-01-02"), value.StringFixed(2), formatElapsed(elapsed))

		if err != nil {
			if failure, ok := err.(*engineerr.EngineFailureError); ok {
				failure.Iteration = i
				failure.LastGoodState = d.State().String()
				d.state.Store(int32(StateEngineFailed))
				return d.summarize(), failure
			}
			d.logger.Warn("strategy failure, skipping day", zap.Int("iteration", i), zap.Error(err))
			continue
		}

		if i > 0 && i%20 == 0 {
			d.logger.Info("backtest progress", zap.Int("day", i), zap.Int("total", len(days)))
		}

		if d.lastPortfolioValue().LessThanOrEqual(decimal.Zero) {
			d.forceLiquidate(date)
			d.state.Store(int32(StateLiquidated))
			return d.summarize(), nil
		}
	}

	d.state.Store(int32(StateComplete))
	return d.summarize(), nil
}

func (d *Driver) runIteration(ctx context.Context, index int, date time.Time) error {
	key := date.Format("2006-01-02")
	if d.processedDates[key] {
		return &engineerr.EngineFailureError{Cause: fmt.Errorf("duplicate processing of date %s", key)}
	}

	prices := make(map[string]decimal.Decimal, len(d.cfg.Tickers))
	anyPrice := false
	for _, ticker := range d.cfg.Tickers {
		bar, err := d.cache.Bar(ticker, date)
		if err != nil {
			continue
		}
		prices[ticker] = bar.Close
		anyPrice = true
	}
	if !anyPrice {
		return nil
	}
	// Only mark the date processed once we know a row will actually be
	// emitted for it; a no-data day must never count against the
	// duplicate-date guard, or len(processedDates) drifts from len(dailyValues).
	d.processedDates[key] = true

	state := domain.NewGraphState(date, d.cfg.Tickers)

	for _, ticker := range d.cfg.Tickers {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		cap := portfoliomgr.CapacityFromPortfolio(d.portfolio, ticker, price, d.cfg.RiskMaxShares)
		d.pm.SetCapacity(ticker, cap)
	}

	if failures := d.engine.Run(ctx, state); len(failures) > 0 {
		for _, f := range failures {
			d.logger.Warn("graph tier failure", zap.Int("iteration", index), zap.Error(f))
		}
	}

	if len(state.Decisions) != len(d.cfg.Tickers) {
		for _, ticker := range d.cfg.Tickers {
			if _, ok := state.Decisions[ticker]; !ok {
				state.Decisions[ticker] = domain.TradeDecision{Action: domain.ActionHold, Confidence: 50, Reasoning: "no decision produced"}
			}
		}
	}

	nav := navApprox(d.portfolio, prices)
	d.applyRiskBudgetSizing(state, prices, nav)

	d.alloc.SetContext(prices, nav)
	if err := d.alloc.Evaluate(ctx, state); err != nil {
		return fmt.Errorf("allocator: %w", err)
	}

	row := domain.DailyRow{Date: date, Exposures: make(map[string]decimal.Decimal), Decisions: state.Decisions}

	for _, ticker := range d.cfg.Tickers {
		decision, ok := state.Decisions[ticker]
		if !ok || decision.Action == domain.ActionHold || decision.Quantity <= 0 {
			continue
		}
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		filled, err := d.exec.Execute(d.portfolio, ticker, decision.Action, decision.Quantity, price, prices)
		if err != nil {
			return err
		}
		if filled > 0 {
			row.ExecutedTrades = append(row.ExecutedTrades, domain.ExecutedTrade{
				Ticker:   ticker,
				Action:   decision.Action,
				Quantity: filled,
				Price:    price,
			})
		}
	}

	finalValue := navApprox(d.portfolio, prices)
	row.PortfolioValue = finalValue
	row.Cash = d.portfolio.Cash
	for ticker, pos := range d.portfolio.Positions {
		if price, ok := prices[ticker]; ok {
			row.Exposures[ticker] = pos.LongShares.Sub(pos.ShortShares).Mul(price)
		}
	}

	row.Metrics = d.snapshotMetrics(finalValue)

	d.rows = append(d.rows, row)
	d.dailyValues = append(d.dailyValues, DailyDigest{Date: date, Value: finalValue, N: len(row.ExecutedTrades)})

	return nil
}

// snapshotMetrics computes the run-to-date PerformanceSnapshot from the
// equity curve accumulated so far, including today's value.
func (d *Driver) snapshotMetrics(todayValue decimal.Decimal) domain.PerformanceSnapshot {
	equity := make([]decimal.Decimal, 0, len(d.dailyValues)+1)
	for _, dv := range d.dailyValues {
		equity = append(equity, dv.Value)
	}
	equity = append(equity, todayValue)

	returns := utils.CalculateReturns(equity)
	cumulativePnL := todayValue.Sub(d.cfg.InitialCapital)

	totalReturn := 0.0
	if d.cfg.InitialCapital.IsPositive() {
		totalReturn, _ = cumulativePnL.Div(d.cfg.InitialCapital).Float64()
	}

	maxDD, _ := utils.CalculateMaxDrawdown(equity).Float64()
	sharpe, _ := utils.CalculateSharpeRatio(returns, decimal.Zero, 252).Float64()
	winRate, _ := utils.CalculateWinRate(returns).Float64()

	return domain.PerformanceSnapshot{
		CumulativePnL: cumulativePnL,
		TotalReturn:   totalReturn,
		MaxDrawdown:   maxDD,
		SharpeRatio:   sharpe,
		WinRate:       winRate,
	}
}

// applyRiskBudgetSizing turns the Risk Budget's percentage-of-NAV figure
// into the actual share count the allocator and executor will work with,
// per spec.md §4.6: the Portfolio Manager's quantity is a capacity
// ceiling, not the sized order — final quantity is
// floor(final_risk_pct*NAV/price), never more than that ceiling.
func (d *Driver) applyRiskBudgetSizing(state *domain.GraphState, prices map[string]decimal.Decimal, nav decimal.Decimal) {
	for ticker, decision := range state.Decisions {
		if decision.Action == domain.ActionHold || decision.Quantity <= 0 {
			continue
		}
		budget, ok := state.RiskBudgets[ticker]
		if !ok || budget.FinalRiskPct <= 0 {
			continue
		}
		price, ok := prices[ticker]
		if !ok || !price.IsPositive() {
			continue
		}

		sized := nav.Mul(decimal.NewFromFloat(budget.FinalRiskPct)).Div(price).IntPart()
		if sized < decision.Quantity {
			decision.Quantity = sized
		}
		if decision.Quantity <= 0 {
			decision.Action = domain.ActionHold
			decision.Quantity = 0
			decision.Reasoning += "; risk budget sized to zero shares"
		}
		state.Decisions[ticker] = decision
	}
}

func (d *Driver) lastPortfolioValue() decimal.Decimal {
	if len(d.dailyValues) == 0 {
		return d.cfg.InitialCapital
	}
	return d.dailyValues[len(d.dailyValues)-1].Value
}

func (d *Driver) forceLiquidate(date time.Time) {
	prices := make(map[string]decimal.Decimal)
	for _, ticker := range d.cfg.Tickers {
		if bar, err := d.cache.Bar(ticker, date); err == nil {
			prices[ticker] = bar.Close
		}
	}
	executor.ForceLiquidate(d.portfolio, prices)
}

func navApprox(p *domain.Portfolio, prices map[string]decimal.Decimal) decimal.Decimal {
	nav := p.Cash
	for ticker, pos := range p.Positions {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		nav = nav.Add(pos.LongShares.Mul(price))
		nav = nav.Add(pos.ShortMarginUsed).Add(pos.ShortShares.Mul(pos.ShortCostBasis)).Sub(pos.ShortShares.Mul(price))
	}
	return nav
}

// businessDays enumerates weekdays in [start, end], inclusive, holiday-
// naive — matching pandas' bdate_range, which the Python original also
// uses without a holiday calendar.
func businessDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			days = append(days, d)
		}
	}
	return days
}

func formatElapsed(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// Summary is the best-effort final report computed from whatever
// dailyValues exist, even on an aborted run.
type Summary struct {
	State          State
	Days           int
	FinalValue     decimal.Decimal
	TotalReturnPct float64
	MaxDrawdownPct float64
	SharpeRatio    float64
	WinRatePct     float64
	OutputHash     string
	Rows           []domain.DailyRow
}

func (d *Driver) summarize() Summary {
	s := Summary{State: d.State(), Days: len(d.dailyValues), Rows: d.rows}
	if len(d.dailyValues) == 0 {
		s.FinalValue = d.cfg.InitialCapital
		return s
	}
	s.FinalValue = d.dailyValues[len(d.dailyValues)-1].Value
	if d.cfg.InitialCapital.IsPositive() {
		ret, _ := s.FinalValue.Sub(d.cfg.InitialCapital).Div(d.cfg.InitialCapital).Float64()
		s.TotalReturnPct = ret * 100
	}
	last := d.rows[len(d.rows)-1].Metrics
	s.MaxDrawdownPct = last.MaxDrawdown * 100
	s.SharpeRatio = last.SharpeRatio
	s.WinRatePct = last.WinRate * 100
	s.OutputHash = d.computeOutputHash()
	return s
}

// computeOutputHash is the determinism contract's MD5 of the concatenated
// per-day "date:value:n" digests, in chronological order.
func (d *Driver) computeOutputHash() string {
	sorted := make([]DailyDigest, len(d.dailyValues))
	copy(sorted, d.dailyValues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	h := md5.New()
	for _, dd := range sorted {
		fmt.Fprintf(h, "%s:%s:%d", dd.Date.Format("2006-01-02"), dd.Value.String(), dd.N)
	}
	return hex.EncodeToString(h.Sum(nil))
}
