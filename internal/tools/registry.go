package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/money"
)

// Executor is one paid capability.
type Executor interface {
	Spec() generation.ToolSpec
	// Price is the expected marginal cost of one invocation.
	Price() money.Amount
	Execute(ctx context.Context, args map[string]any) Result
}

// Registry maps tool names to executors. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Executor)}
}

// Register adds e. Names must be unique.
func (r *Registry) Register(e Executor) error {
	name := e.Spec().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = e
	return nil
}

func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Specs returns the advertised tools sorted by name.
func (r *Registry) Specs() []generation.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]generation.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, e.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Func adapts a function to Executor.
type Func struct {
	Name        string
	Description string
	Parameters  map[string]any
	Cost        money.Amount
	Fn          func(ctx context.Context, args map[string]any) Result
}

func (f Func) Spec() generation.ToolSpec {
	return generation.ToolSpec{Name: f.Name, Description: f.Description, Parameters: f.Parameters}
}

func (f Func) Price() money.Amount { return f.Cost }

func (f Func) Execute(ctx context.Context, args map[string]any) Result { return f.Fn(ctx, args) }
