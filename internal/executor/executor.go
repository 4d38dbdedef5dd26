// Package executor implements the Trade Executor: it applies an allocator
// decision to the portfolio, enforcing NAV and exposure invariants before
// any cash or position mutation takes place.
//
// Adapted from internal/backtester/portfolio.go's Buy/Sell (mutex-guarded
// weighted-average cost basis, copy-out getters) generalized to the
// spec's long+short mechanics, which the teacher's long-only Portfolio
// lacked — that half is grounded on
// original_source/src/backtesting/deterministic_backtest.py's
// _execute_trade.
package executor

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"github.com/shopspring/decimal"
)

const (
	maxGrossExposureOfNAV   = 1.0  // 100% of NAV
	maxSingleTickerOfNAV    = 0.20 // 20% of NAV
	minNAVForNewPosition    = 0.50 // 50% of initial capital
)

// Costs is the transaction-cost model applied to both sides of a trade.
type Costs struct {
	CommissionPerShare decimal.Decimal
	SlippageBps        decimal.Decimal
	SpreadBps          decimal.Decimal
}

// cost returns the total dollar transaction cost for a fill of the given
// notional value.
func (c Costs) cost(notional decimal.Decimal, shares int64) decimal.Decimal {
	commission := c.CommissionPerShare.Mul(decimal.NewFromInt(shares))
	bps := c.SlippageBps.Add(c.SpreadBps)
	impact := notional.Mul(bps).Div(decimal.NewFromInt(10000))
	return commission.Add(impact)
}

// Executor is the Trade Executor system agent. It is the portfolio's
// single writer; callers (the backtest driver) must never mutate
// Portfolio state directly.
type Executor struct {
	mu             sync.Mutex
	initialCapital decimal.Decimal
	costs          Costs
}

// New builds a Trade Executor seeded with the run's initial capital (used
// by the NAV-floor rule) and transaction cost model.
func New(initialCapital decimal.Decimal, costs Costs) *Executor {
	return &Executor{initialCapital: initialCapital, costs: costs}
}

// Execute applies one decision to the portfolio and returns the quantity
// actually filled (which may be less than requested, or zero if rejected).
func (e *Executor) Execute(p *domain.Portfolio, ticker string, action domain.TradeAction, quantity int64, price decimal.Decimal, otherPrices map[string]decimal.Decimal) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity <= 0 || action == domain.ActionHold {
		return 0, nil
	}

	nav := navOf(p, otherPrices)
	if !nav.IsPositive() {
		return 0, nil
	}

	isNewPosition := isOpeningTrade(p, ticker, action)
	if isNewPosition && nav.LessThanOrEqual(e.initialCapital.Mul(decimal.NewFromFloat(minNAVForNewPosition))) {
		return 0, nil
	}

	filled, err := e.applyFill(p, ticker, action, quantity, price, nav, otherPrices)
	if err != nil {
		return 0, err
	}

	postNAV := navOf(p, otherPrices)
	if postNAV.IsNegative() {
		return 0, &engineerr.EngineFailureError{Cause: fmt.Errorf("NAV went negative after executing %s %d %s", action, filled, ticker)}
	}

	return filled, nil
}

func isOpeningTrade(p *domain.Portfolio, ticker string, action domain.TradeAction) bool {
	pos, ok := p.Positions[ticker]
	switch action {
	case domain.ActionBuy:
		return !ok || pos.LongShares.IsZero()
	case domain.ActionShort:
		return !ok || pos.ShortShares.IsZero()
	default:
		return false
	}
}

func (e *Executor) applyFill(p *domain.Portfolio, ticker string, action domain.TradeAction, quantity int64, price, nav decimal.Decimal, otherPrices map[string]decimal.Decimal) (int64, error) {
	pos, ok := p.Positions[ticker]
	if !ok {
		pos = &domain.Position{}
		p.Positions[ticker] = pos
	}

	switch action {
	case domain.ActionBuy:
		return e.buy(p, pos, ticker, quantity, price, nav, otherPrices)
	case domain.ActionSell:
		return e.sell(p, pos, ticker, quantity, price)
	case domain.ActionShort:
		return e.short(p, pos, ticker, quantity, price, nav, otherPrices)
	case domain.ActionCover:
		return e.cover(p, pos, ticker, quantity, price)
	default:
		return 0, fmt.Errorf("unknown action %q", action)
	}
}

func (e *Executor) buy(p *domain.Portfolio, pos *domain.Position, ticker string, quantity int64, price, nav decimal.Decimal, otherPrices map[string]decimal.Decimal) (int64, error) {
	affordable := p.Cash.Div(price).IntPart()
	if affordable < quantity {
		quantity = affordable
	}
	quantity = e.capBySingleTicker(pos, quantity, price, nav, true)
	quantity = e.capByGrossExposure(p, quantity, price, nav, otherPrices)
	if quantity <= 0 {
		return 0, nil
	}

	notional := price.Mul(decimal.NewFromInt(quantity))
	cost := e.costs.cost(notional, quantity)
	totalCash := notional.Add(cost)
	if totalCash.GreaterThan(p.Cash) {
		return 0, nil
	}

	newShares := pos.LongShares.Add(decimal.NewFromInt(quantity))
	totalBasis := pos.LongShares.Mul(pos.LongCostBasis).Add(notional)
	pos.LongCostBasis = totalBasis.Div(newShares)
	pos.LongShares = newShares
	p.Cash = p.Cash.Sub(totalCash)

	return quantity, nil
}

func (e *Executor) sell(p *domain.Portfolio, pos *domain.Position, ticker string, quantity int64, price decimal.Decimal) (int64, error) {
	maxQty := pos.LongShares.IntPart()
	if quantity > maxQty {
		quantity = maxQty
	}
	if quantity <= 0 {
		return 0, nil
	}

	notional := price.Mul(decimal.NewFromInt(quantity))
	cost := e.costs.cost(notional, quantity)
	proceeds := notional.Sub(cost)

	realized := price.Sub(pos.LongCostBasis).Mul(decimal.NewFromInt(quantity)).Sub(cost)
	gain, ok := p.RealizedGains[ticker]
	if !ok {
		gain = &domain.RealizedGain{}
		p.RealizedGains[ticker] = gain
	}
	gain.Total = gain.Total.Add(realized)

	pos.LongShares = pos.LongShares.Sub(decimal.NewFromInt(quantity))
	if pos.LongShares.IsZero() {
		pos.LongCostBasis = decimal.Zero
	}
	p.Cash = p.Cash.Add(proceeds)

	return quantity, nil
}

func (e *Executor) short(p *domain.Portfolio, pos *domain.Position, ticker string, quantity int64, price, nav decimal.Decimal, otherPrices map[string]decimal.Decimal) (int64, error) {
	if p.MarginRequirement.IsPositive() {
		maxQty := p.Cash.Div(price.Mul(p.MarginRequirement)).IntPart()
		if quantity > maxQty {
			quantity = maxQty
		}
	}
	quantity = e.capBySingleTicker(pos, quantity, price, nav, false)
	quantity = e.capByGrossExposure(p, quantity, price, nav, otherPrices)
	if quantity <= 0 {
		return 0, nil
	}

	notional := price.Mul(decimal.NewFromInt(quantity))
	cost := e.costs.cost(notional, quantity)
	proceeds := notional.Sub(cost)
	margin := notional.Mul(p.MarginRequirement)

	if margin.GreaterThan(p.Cash.Add(proceeds)) {
		return 0, nil
	}

	newShares := pos.ShortShares.Add(decimal.NewFromInt(quantity))
	totalBasis := pos.ShortShares.Mul(pos.ShortCostBasis).Add(notional)
	pos.ShortCostBasis = totalBasis.Div(newShares)
	pos.ShortShares = newShares
	pos.ShortMarginUsed = pos.ShortMarginUsed.Add(margin)

	p.Cash = p.Cash.Add(proceeds).Sub(margin)
	p.MarginUsed = p.MarginUsed.Add(margin)

	return quantity, nil
}

func (e *Executor) cover(p *domain.Portfolio, pos *domain.Position, ticker string, quantity int64, price decimal.Decimal) (int64, error) {
	maxQty := pos.ShortShares.IntPart()
	if quantity > maxQty {
		quantity = maxQty
	}
	if quantity <= 0 {
		return 0, nil
	}

	notional := price.Mul(decimal.NewFromInt(quantity))
	cost := e.costs.cost(notional, quantity)
	coverCost := notional.Add(cost)

	if coverCost.GreaterThan(p.Cash) {
		maxAffordable := p.Cash.Div(price).IntPart()
		if maxAffordable < quantity {
			quantity = maxAffordable
			notional = price.Mul(decimal.NewFromInt(quantity))
			cost = e.costs.cost(notional, quantity)
			coverCost = notional.Add(cost)
		}
	}
	if quantity <= 0 {
		return 0, nil
	}

	frac := decimal.NewFromInt(quantity).Div(pos.ShortShares)
	releasedMargin := pos.ShortMarginUsed.Mul(frac)

	realized := pos.ShortCostBasis.Sub(price).Mul(decimal.NewFromInt(quantity)).Sub(cost)
	gain, ok := p.RealizedGains[ticker]
	if !ok {
		gain = &domain.RealizedGain{}
		p.RealizedGains[ticker] = gain
	}
	gain.Total = gain.Total.Add(realized)

	pos.ShortShares = pos.ShortShares.Sub(decimal.NewFromInt(quantity))
	pos.ShortMarginUsed = pos.ShortMarginUsed.Sub(releasedMargin)
	if pos.ShortShares.IsZero() {
		pos.ShortCostBasis = decimal.Zero
		pos.ShortMarginUsed = decimal.Zero
	}

	p.Cash = p.Cash.Add(releasedMargin).Sub(coverCost)
	p.MarginUsed = p.MarginUsed.Sub(releasedMargin)

	return quantity, nil
}

// capBySingleTicker trims quantity so the resulting position's notional
// never exceeds 20% of NAV, per spec.md §4.8.
func (e *Executor) capBySingleTicker(pos *domain.Position, quantity int64, price, nav decimal.Decimal, long bool) int64 {
	cap := nav.Mul(decimal.NewFromFloat(maxSingleTickerOfNAV))
	existing := pos.LongShares
	if !long {
		existing = pos.ShortShares
	}
	existingNotional := existing.Mul(price)
	room := cap.Sub(existingNotional)
	if room.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	maxQty := room.Div(price).IntPart()
	if quantity > maxQty {
		return maxQty
	}
	return quantity
}

// capByGrossExposure trims quantity so the portfolio's total gross notional
// (long and short, across every ticker, this fill included) never exceeds
// 100% of NAV, per spec.md §4.8. Existing positions are marked at
// otherPrices; a ticker absent from otherPrices is skipped rather than
// failing the trade.
func (e *Executor) capByGrossExposure(p *domain.Portfolio, quantity int64, price, nav decimal.Decimal, otherPrices map[string]decimal.Decimal) int64 {
	if quantity <= 0 {
		return quantity
	}
	cap := nav.Mul(decimal.NewFromFloat(maxGrossExposureOfNAV))
	gross := decimal.Zero
	for tk, pos := range p.Positions {
		px, ok := otherPrices[tk]
		if !ok {
			continue
		}
		gross = gross.Add(pos.LongShares.Mul(px)).Add(pos.ShortShares.Mul(px))
	}
	room := cap.Sub(gross)
	if room.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	maxQty := room.Div(price).IntPart()
	if quantity > maxQty {
		return maxQty
	}
	return quantity
}

// navOf computes net asset value: cash plus long market value minus
// nothing for shorts (short liability is already reflected by the margin
// reservation having left cash, and short market value owed is captured
// by marking the position at current price).
func navOf(p *domain.Portfolio, prices map[string]decimal.Decimal) decimal.Decimal {
	nav := p.Cash
	for ticker, pos := range p.Positions {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		nav = nav.Add(pos.LongShares.Mul(price))
		shortLiability := pos.ShortShares.Mul(price)
		shortBasisValue := pos.ShortShares.Mul(pos.ShortCostBasis)
		nav = nav.Add(pos.ShortMarginUsed).Add(shortBasisValue).Sub(shortLiability)
	}
	return nav
}

// ForceLiquidate closes every position at the supplied prices, used by
// the backtest driver when NAV drops to or below zero.
func ForceLiquidate(p *domain.Portfolio, prices map[string]decimal.Decimal) {
	for ticker, pos := range p.Positions {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		if pos.LongShares.IsPositive() {
			p.Cash = p.Cash.Add(pos.LongShares.Mul(price))
		}
		if pos.ShortShares.IsPositive() {
			p.Cash = p.Cash.Add(pos.ShortMarginUsed).Sub(pos.ShortShares.Mul(price)).Add(pos.ShortShares.Mul(pos.ShortCostBasis))
		}
		delete(p.Positions, ticker)
	}
}
