// Package allocator implements the Portfolio Allocator system agent: the
// final authoritative pass over the Portfolio Manager's decisions,
// enforcing exposure, sector, and correlation caps in that fixed order.
package allocator

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

const (
	maxGrossExposurePct  = 2.0
	maxNetExposurePct    = 0.5
	maxSectorExposurePct = 0.30
	maxCorrelation       = 0.70
	correlationWindow    = 30
)

// Allocator is the Portfolio Allocator system agent.
type Allocator struct {
	cache        *pricecache.PriceCache
	sectorOf     map[string]string
	pricesToday  map[string]decimal.Decimal
	nav          decimal.Decimal
}

// New builds a Portfolio Allocator. sectorOf maps ticker to sector label;
// an unmapped ticker is treated as its own single-member sector.
func New(cache *pricecache.PriceCache, sectorOf map[string]string) *Allocator {
	return &Allocator{cache: cache, sectorOf: sectorOf}
}

func (a *Allocator) ID() string          { return "portfolio_allocator" }
func (a *Allocator) DependsOn() []string { return []string{"risk_budget"} }

// SetContext supplies the day's prices and NAV; the driver calls this
// before Evaluate since the allocator needs facts it doesn't itself own.
func (a *Allocator) SetContext(pricesToday map[string]decimal.Decimal, nav decimal.Decimal) {
	a.pricesToday = pricesToday
	a.nav = nav
}

// Evaluate scales state.Decisions in place to satisfy the three caps, in
// order, and appends the adjustment reasoning to each touched decision.
func (a *Allocator) Evaluate(ctx context.Context, state *domain.GraphState) error {
	if a.nav.IsZero() || a.nav.IsNegative() {
		return fmt.Errorf("allocator: non-positive NAV %s", a.nav)
	}

	a.applyExposureCap(state)
	a.applySectorCap(state)
	a.applyCorrelationCap(state)
	return nil
}

func (a *Allocator) exposureOf(ticker string, decision domain.TradeDecision) decimal.Decimal {
	price, ok := a.pricesToday[ticker]
	if !ok {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(decision.Quantity))
}

func (a *Allocator) applyExposureCap(state *domain.GraphState) {
	var gross, net decimal.Decimal
	for ticker, d := range state.Decisions {
		exp := a.exposureOf(ticker, d)
		switch d.Action {
		case domain.ActionBuy, domain.ActionCover:
			gross = gross.Add(exp)
			net = net.Add(exp)
		case domain.ActionSell, domain.ActionShort:
			gross = gross.Add(exp)
			net = net.Sub(exp)
		}
	}

	grossCap := a.nav.Mul(decimal.NewFromFloat(maxGrossExposurePct))
	if gross.GreaterThan(grossCap) && gross.IsPositive() {
		scale := grossCap.Div(gross)
		a.scaleAll(state, scale, fmt.Sprintf("exposure cap: gross %s>%s, scaled by %s", gross, grossCap, scale))
		gross = grossCap
		net = net.Mul(scale)
	}

	netCap := a.nav.Mul(decimal.NewFromFloat(maxNetExposurePct))
	absNet := net.Abs()
	if absNet.GreaterThan(netCap) && absNet.IsPositive() {
		scale := netCap.Div(absNet)
		side := domain.ActionBuy
		if net.IsNegative() {
			side = domain.ActionSell
		}
		a.scaleSide(state, side, scale, fmt.Sprintf("exposure cap: net %s>%s, scaled %s side by %s", net, netCap, side, scale))
	}
}

func (a *Allocator) applySectorCap(state *domain.GraphState) {
	sectorExposure := make(map[string]decimal.Decimal)
	for ticker, d := range state.Decisions {
		if d.Action == domain.ActionHold {
			continue
		}
		sector := a.sectorOf[ticker]
		if sector == "" {
			sector = ticker
		}
		sectorExposure[sector] = sectorExposure[sector].Add(a.exposureOf(ticker, d).Abs())
	}

	sectorCap := a.nav.Mul(decimal.NewFromFloat(maxSectorExposurePct))
	for sector, exp := range sectorExposure {
		if !exp.GreaterThan(sectorCap) || !exp.IsPositive() {
			continue
		}
		scale := sectorCap.Div(exp)
		for ticker, d := range state.Decisions {
			tSector := a.sectorOf[ticker]
			if tSector == "" {
				tSector = ticker
			}
			if tSector != sector || d.Action == domain.ActionHold {
				continue
			}
			d.Quantity = scale.Mul(decimal.NewFromInt(d.Quantity)).IntPart()
			d.Reasoning += fmt.Sprintf("; sector cap: %s exposure %s>%s, scaled by %s", sector, exp, sectorCap, scale)
			state.Decisions[ticker] = d
		}
	}
}

func (a *Allocator) applyCorrelationCap(state *domain.GraphState) {
	tickers := make([]string, 0, len(state.Decisions))
	for ticker, d := range state.Decisions {
		if d.Action != domain.ActionHold {
			tickers = append(tickers, ticker)
		}
	}
	if len(tickers) < 2 {
		return
	}

	for i := 0; i < len(tickers); i++ {
		for j := i + 1; j < len(tickers); j++ {
			t1, t2 := tickers[i], tickers[j]
			rho, ok := a.correlation(t1, t2, state)
			if !ok {
				continue
			}
			if rho < maxCorrelation && rho > -maxCorrelation {
				continue
			}

			d1, d2 := state.Decisions[t1], state.Decisions[t2]
			e1 := a.exposureOf(t1, d1).Abs()
			e2 := a.exposureOf(t2, d2).Abs()

			if e1.IsZero() || e2.IsZero() {
				continue
			}

			if e1.LessThan(e2) {
				d1.Quantity /= 2
				d1.Reasoning += fmt.Sprintf("; correlation cap: |rho(%s,%s)|=%.2f, halved", t1, t2, rho)
				state.Decisions[t1] = d1
			} else {
				d2.Quantity /= 2
				d2.Reasoning += fmt.Sprintf("; correlation cap: |rho(%s,%s)|=%.2f, halved", t1, t2, rho)
				state.Decisions[t2] = d2
			}
		}
	}
}

func (a *Allocator) correlation(t1, t2 string, state *domain.GraphState) (float64, bool) {
	start := state.Date.AddDate(0, 0, -correlationWindow*2)
	bars1, err1 := a.cache.Range(t1, start, state.Date)
	bars2, err2 := a.cache.Range(t2, start, state.Date)
	if err1 != nil || err2 != nil || len(bars1) < 5 || len(bars2) < 5 {
		return 0, false
	}

	n := len(bars1)
	if len(bars2) < n {
		n = len(bars2)
	}
	r1 := returns(bars1[len(bars1)-n:])
	r2 := returns(bars2[len(bars2)-n:])
	if len(r1) < 2 || len(r1) != len(r2) {
		return 0, false
	}

	return stat.Correlation(r1, r2, nil), true
}

func returns(bars []pricecache.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := pricecache.ParseFloat(bars[i-1].Close)
		cur := pricecache.ParseFloat(bars[i].Close)
		if prev == 0 {
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

func (a *Allocator) scaleAll(state *domain.GraphState, scale decimal.Decimal, reason string) {
	for ticker, d := range state.Decisions {
		if d.Action == domain.ActionHold {
			continue
		}
		d.Quantity = scale.Mul(decimal.NewFromInt(d.Quantity)).IntPart()
		d.Reasoning += "; " + reason
		state.Decisions[ticker] = d
	}
}

func (a *Allocator) scaleSide(state *domain.GraphState, side domain.TradeAction, scale decimal.Decimal, reason string) {
	for ticker, d := range state.Decisions {
		matches := (side == domain.ActionBuy && (d.Action == domain.ActionBuy || d.Action == domain.ActionCover)) ||
			(side == domain.ActionSell && (d.Action == domain.ActionSell || d.Action == domain.ActionShort))
		if !matches {
			continue
		}
		d.Quantity = scale.Mul(decimal.NewFromInt(d.Quantity)).IntPart()
		d.Reasoning += "; " + reason
		state.Decisions[ticker] = d
	}
}
