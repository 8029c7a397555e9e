package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/matchbench/internal/domain"
)

var (
	ErrToolNotFound   = errors.New("agent: tool not found")
	ErrToolNotAllowed = errors.New("agent: tool not allowed for this role")
)

// Tool is a synchronous capability an agent may call mid-turn. Arguments are
// the raw JSON object produced by the model; the result is returned to the
// model verbatim.
type Tool interface {
	Definition() domain.ToolDefinition
	Call(ctx context.Context, arguments string) (string, error)
}

// Toolbox is the set of tools available to a run, keyed by name.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolbox returns a toolbox holding tools.
func NewToolbox(tools ...Tool) *Toolbox {
	b := &Toolbox{tools: make(map[string]Tool)}
	for _, t := range tools {
		b.Register(t)
	}
	return b
}

// Register adds or replaces a tool.
func (b *Toolbox) Register(t Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[t.Definition().Name] = t
}

// Get returns the named tool.
func (b *Toolbox) Get(name string) (Tool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (b *Toolbox) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tools))
	for n := range b.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the named subset in the given order.
func (b *Toolbox) Select(names []string) ([]Tool, error) {
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		t, ok := b.Get(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, n)
		}
		out = append(out, t)
	}
	return out, nil
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	Def domain.ToolDefinition
	Fn  func(ctx context.Context, arguments string) (string, error)
}

func (f FuncTool) Definition() domain.ToolDefinition { return f.Def }

func (f FuncTool) Call(ctx context.Context, arguments string) (string, error) {
	return f.Fn(ctx, arguments)
}
