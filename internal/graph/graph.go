// Package graph builds and executes the analyst dependency graph: core
// analysts, advisory agents, and system agents wired together as a DAG,
// topologically ordered and grouped into parallel-safe tiers.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"github.com/atlas-desktop/trading-engine/internal/workers"
	"github.com/katalvlaran/lvlath/core"
	"github.com/katalvlaran/lvlath/dfs"
	"go.uber.org/zap"
)

// Agent is anything the graph can schedule: a core analyst, an advisory
// agent, or a system agent. Evaluate receives the shared per-day state and
// mutates only the slot the registry assigned it.
type Agent interface {
	ID() string
	DependsOn() []string
	Evaluate(ctx context.Context, state *domain.GraphState) error
}

// Engine holds the registered agents and the tiered execution plan derived
// from their declared dependencies.
type Engine struct {
	logger *zap.Logger
	agents map[string]Agent
	order  []string
	tiers  [][]string
	pool   *workers.Pool
}

// NewEngine builds the dependency graph from the given agents, validates
// it is acyclic via dfs.TopologicalSort, and computes parallel tiers.
func NewEngine(logger *zap.Logger, agents []Agent) (*Engine, error) {
	g := core.NewGraph(core.WithDirected(true))
	byID := make(map[string]Agent, len(agents))

	for _, a := range agents {
		if err := g.AddVertex(a.ID()); err != nil {
			return nil, fmt.Errorf("graph: add vertex %q: %w", a.ID(), err)
		}
		byID[a.ID()] = a
	}
	for _, a := range agents {
		for _, dep := range a.DependsOn() {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("graph: agent %q depends on unregistered agent %q", a.ID(), dep)
			}
			if _, err := g.AddEdge(dep, a.ID(), 0); err != nil {
				return nil, fmt.Errorf("graph: add edge %s->%s: %w", dep, a.ID(), err)
			}
		}
	}

	order, err := dfs.TopologicalSort(g)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}

	tiers, err := computeTiers(g, order)
	if err != nil {
		return nil, err
	}

	pool := workers.NewPool(logger.Named("graph-pool"), workers.DefaultPoolConfig("analyst-tiers"))
	pool.Start()

	return &Engine{
		logger: logger,
		agents: byID,
		order:  order,
		tiers:  tiers,
		pool:   pool,
	}, nil
}

// computeTiers groups a topological order into parallel-safe layers: a
// vertex's tier is one plus the maximum tier of its direct predecessors
// (its longest-path depth from any source).
func computeTiers(g *core.Graph, order []string) ([][]string, error) {
	depth := make(map[string]int, len(order))
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	for _, id := range order {
		maxPred := -1
		for _, other := range order {
			if position[other] >= position[id] {
				continue
			}
			edges, err := g.Neighbors(other)
			if err != nil {
				return nil, fmt.Errorf("graph: neighbors(%s): %w", other, err)
			}
			for _, e := range edges {
				if e.From == other && e.To == id {
					if depth[other] > maxPred {
						maxPred = depth[other]
					}
				}
			}
		}
		depth[id] = maxPred + 1
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	tiers := make([][]string, maxDepth+1)
	for _, id := range order {
		tiers[depth[id]] = append(tiers[depth[id]], id)
	}
	return tiers, nil
}

// Run executes every tier in dependency order, fanning each tier's agents
// out across the worker pool and joining before advancing to the next
// tier. A StrategyFailureError from one agent does not abort the day; it
// is logged and that agent's slot stays empty.
func (e *Engine) Run(ctx context.Context, state *domain.GraphState) []error {
	var failures []error

	for tierIdx, tier := range e.tiers {
		results := make(chan error, len(tier))
		var wg sync.WaitGroup
		for _, id := range tier {
			agent := e.agents[id]
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := e.pool.SubmitWait(workers.TaskFunc(func() error {
					if err := agent.Evaluate(ctx, state); err != nil {
						return &engineerr.StrategyFailureError{Analyst: agent.ID(), Cause: err}
					}
					return nil
				}))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		for err := range results {
			if err != nil {
				e.logger.Warn("analyst tier failure", zap.Int("tier", tierIdx), zap.Error(err))
				failures = append(failures, err)
			}
		}
	}

	return failures
}

// Shutdown stops the engine's worker pool. Safe to call once per Engine.
func (e *Engine) Shutdown() error {
	return e.pool.Stop()
}

// Order returns the flattened topological execution order, mainly for
// diagnostics and tests.
func (e *Engine) Order() []string { return e.order }

// Tiers returns the computed parallel tiers, mainly for diagnostics and
// tests.
func (e *Engine) Tiers() [][]string { return e.tiers }
