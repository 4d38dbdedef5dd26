package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/engineerr"
	"go.uber.org/zap"
)

type fakeAgent struct {
	id   string
	deps []string
	fn   func(state *domain.GraphState) error
}

func (f *fakeAgent) ID() string          { return f.id }
func (f *fakeAgent) DependsOn() []string { return f.deps }
func (f *fakeAgent) Evaluate(ctx context.Context, state *domain.GraphState) error {
	if f.fn != nil {
		return f.fn(state)
	}
	return nil
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestNewEngineOrdersByDependencyAndTiers(t *testing.T) {
	a := &fakeAgent{id: "a"}
	b := &fakeAgent{id: "b", deps: []string{"a"}}
	c := &fakeAgent{id: "c", deps: []string{"a"}}

	e, err := NewEngine(zap.NewNop(), []Agent{a, b, c})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Shutdown()

	order := e.Order()
	if indexOf(order, "a") > indexOf(order, "b") || indexOf(order, "a") > indexOf(order, "c") {
		t.Fatalf("expected a before b and c, got order %v", order)
	}

	tiers := e.Tiers()
	if len(tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d: %v", len(tiers), tiers)
	}
	if len(tiers[0]) != 1 || tiers[0][0] != "a" {
		t.Fatalf("expected tier 0 to contain only a, got %v", tiers[0])
	}
	if len(tiers[1]) != 2 {
		t.Fatalf("expected tier 1 to contain b and c, got %v", tiers[1])
	}
}

func TestNewEngineRejectsUnregisteredDependency(t *testing.T) {
	a := &fakeAgent{id: "a", deps: []string{"ghost"}}
	_, err := NewEngine(zap.NewNop(), []Agent{a})
	if err == nil {
		t.Fatal("expected an error for a dependency on an unregistered agent")
	}
}

func TestRunCollectsNonFatalFailuresWithoutBlockingSiblings(t *testing.T) {
	var cRan bool
	a := &fakeAgent{id: "a"}
	b := &fakeAgent{id: "b", deps: []string{"a"}, fn: func(state *domain.GraphState) error {
		return errors.New("boom")
	}}
	c := &fakeAgent{id: "c", deps: []string{"a"}, fn: func(state *domain.GraphState) error {
		cRan = true
		return nil
	}}

	e, err := NewEngine(zap.NewNop(), []Agent{a, b, c})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Shutdown()

	state := domain.NewGraphState(time.Now(), []string{"AAPL"})
	failures := e.Run(context.Background(), state)

	if !cRan {
		t.Fatal("expected sibling agent c to still run despite b's failure")
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one collected failure, got %d", len(failures))
	}
	var sfe *engineerr.StrategyFailureError
	if !errors.As(failures[0], &sfe) {
		t.Fatalf("expected a StrategyFailureError, got %T", failures[0])
	}
}
