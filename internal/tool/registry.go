package tool

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/stupiduntilnot/stagebot/internal/model"
)

// Meta describes a registered tool for listings.
type Meta struct {
	Name        string
	Description string
	Enabled     bool
}

// Registry holds the tools of one pipeline snapshot by unique name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List describes every tool, sorted by name, marking the ones in disabled.
func (r *Registry) List(disabled map[string]bool) []Meta {
	tools := r.sorted()
	out := make([]Meta, 0, len(tools))
	for _, t := range tools {
		out = append(out, Meta{Name: t.Name(), Description: t.Description(), Enabled: !disabled[t.Name()]})
	}
	return out
}

// Specs returns the function specs offered to the model: every tool not in
// disabled, sorted by name.
func (r *Registry) Specs(disabled map[string]bool) []model.ToolSpec {
	var out []model.ToolSpec
	for _, t := range r.sorted() {
		if disabled[t.Name()] {
			continue
		}
		out = append(out, model.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

func (r *Registry) sorted() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}
