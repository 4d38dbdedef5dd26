// Package auditor implements the Performance Auditor advisory agent: a
// persistent, per-analyst credibility score updated from each signal's
// forward-looking correctness.
package auditor

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
)

const (
	initialCredibility     = 0.5
	credibilityUpdateRate  = 0.1
	correctSignalBoost     = 0.05
	incorrectSignalPenalty = -0.05
	profitableSignalBoost  = 0.10
	drawdownSignalPenalty  = -0.10
	signalLookbackDays     = 5
	lookbackBufferDays     = 10
	correctnessThreshold   = 0.02
)

// pendingEvaluation is one (analyst, ticker, date, signal) observation
// awaiting its forward-looking correctness check.
type pendingEvaluation struct {
	analyst   string
	ticker    string
	date      time.Time
	direction domain.SignalDirection
}

// Auditor is the Performance Auditor advisory agent. It never emits a
// trade signal; it only maintains domain.CredibilityRecord entries keyed
// by analyst ID, carried forward across days.
type Auditor struct {
	mu      sync.RWMutex
	cache   *pricecache.PriceCache
	records map[string]domain.CredibilityRecord
	pending []pendingEvaluation
}

// New builds an empty Performance Auditor over the given price cache.
func New(cache *pricecache.PriceCache) *Auditor {
	return &Auditor{
		cache:   cache,
		records: make(map[string]domain.CredibilityRecord),
	}
}

func (a *Auditor) ID() string { return "performance_auditor" }

func (a *Auditor) DependsOn() []string {
	return []string{"value_composite", "growth_composite", "valuation", "momentum", "mean_reversion"}
}

// Evaluate resolves any pending evaluations whose lookback window has now
// elapsed, updates credibility accordingly, records today's signals as
// new pending evaluations, then publishes the current credibility table
// into the shared state.
func (a *Auditor) Evaluate(ctx context.Context, state *domain.GraphState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resolvePending(state.Date)
	a.recordToday(state)

	for id, rec := range a.records {
		state.Credibility[id] = rec
	}
	return nil
}

func (a *Auditor) recordToday(state *domain.GraphState) {
	for analystID, tickers := range state.Signals {
		for ticker, sig := range tickers {
			if _, ok := a.records[analystID]; !ok {
				a.records[analystID] = domain.CredibilityRecord{Credibility: initialCredibility, LastUpdated: state.Date}
			}
			a.pending = append(a.pending, pendingEvaluation{
				analyst:   analystID,
				ticker:    ticker,
				date:      state.Date,
				direction: sig.Direction,
			})
		}
	}
}

func (a *Auditor) resolvePending(today time.Time) {
	var stillPending []pendingEvaluation

	for _, pe := range a.pending {
		dueDate := pe.date.AddDate(0, 0, signalLookbackDays)
		bufferDeadline := pe.date.AddDate(0, 0, signalLookbackDays+lookbackBufferDays)

		if today.Before(dueDate) {
			stillPending = append(stillPending, pe)
			continue
		}
		if today.After(bufferDeadline) {
			// No forward data ever arrived within the buffer window;
			// credibility is left unchanged, per spec.md §4.4.
			continue
		}

		bar, err := a.cache.Bar(pe.ticker, pe.date)
		if err != nil {
			stillPending = append(stillPending, pe)
			continue
		}
		fwd, err := a.cache.Bar(pe.ticker, today)
		if err != nil {
			stillPending = append(stillPending, pe)
			continue
		}

		delta, _ := fwd.Close.Sub(bar.Close).Div(bar.Close).Float64()
		a.applyUpdate(pe.analyst, pe.direction, delta, today)
	}

	a.pending = stillPending
}

func (a *Auditor) applyUpdate(analyst string, direction domain.SignalDirection, delta float64, today time.Time) {
	rec, ok := a.records[analyst]
	if !ok {
		rec = domain.CredibilityRecord{Credibility: initialCredibility}
	}

	if direction == domain.DirectionNeutral {
		rec.NeutralSignals++
		a.records[analyst] = rec
		return
	}

	correct := (direction == domain.DirectionBullish && delta >= correctnessThreshold) ||
		(direction == domain.DirectionBearish && delta <= -correctnessThreshold)

	adj := incorrectSignalPenalty
	if correct {
		adj = correctSignalBoost
		rec.CorrectSignals++
	} else {
		rec.IncorrectSignals++
	}

	profitable := (direction == domain.DirectionBullish && delta > 0) || (direction == domain.DirectionBearish && delta < 0)
	if profitable {
		adj += profitableSignalBoost
	} else {
		adj += drawdownSignalPenalty
	}

	rec.Credibility = clamp01(rec.Credibility + credibilityUpdateRate*adj)
	rec.TotalEvaluated++
	rec.LastUpdated = today
	a.records[analyst] = rec
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Credibility returns the current credibility record for analyst, with
// the 0.5 default for any analyst never yet observed.
func (a *Auditor) Credibility(analyst string) domain.CredibilityRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if rec, ok := a.records[analyst]; ok {
		return rec
	}
	return domain.CredibilityRecord{Credibility: initialCredibility}
}
