// Package persona holds the system prompts a conversation can run under.
package persona

import (
	"fmt"
	"sort"
)

type Persona struct {
	ID     string
	Prompt string
}

// Table is an immutable set of personas plus the default id.
type Table struct {
	byID      map[string]Persona
	defaultID string
}

// NewTable indexes personas. defaultID may be empty; otherwise it must name
// one of them.
func NewTable(personas []Persona, defaultID string) (*Table, error) {
	t := &Table{byID: make(map[string]Persona, len(personas)), defaultID: defaultID}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona id is empty")
		}
		if _, dup := t.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		t.byID[p.ID] = p
	}
	if defaultID != "" {
		if _, ok := t.byID[defaultID]; !ok {
			return nil, fmt.Errorf("default persona %q not found", defaultID)
		}
	}
	return t, nil
}

func (t *Table) Get(id string) (Persona, bool) {
	if t == nil {
		return Persona{}, false
	}
	p, ok := t.byID[id]
	return p, ok
}

// DefaultID returns the configured default persona id.
func (t *Table) DefaultID() string {
	if t == nil {
		return ""
	}
	return t.defaultID
}

// Resolve picks the conversation override when it still exists, else the
// default. The zero Persona means no system prompt.
func (t *Table) Resolve(overrideID string) Persona {
	if p, ok := t.Get(overrideID); ok {
		return p
	}
	p, _ := t.Get(t.DefaultID())
	return p
}

// List returns all personas sorted by id.
func (t *Table) List() []Persona {
	if t == nil {
		return nil
	}
	out := make([]Persona, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
