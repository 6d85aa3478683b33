// Package platform is the seam between chat platforms and the pipeline.
package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
)

// CommitFunc hands an inbound event to the scheduler.
type CommitFunc func(ctx context.Context, ev *event.Event) error

// Sender delivers one message chain to a session.
type Sender interface {
	Send(ctx context.Context, typ event.MessageType, sessionID string, chain message.Chain) error
}

// Adapter connects one platform. Run receives messages until ctx ends and
// commits each as an event.
type Adapter interface {
	Sender
	Name() string
	Run(ctx context.Context, commit CommitFunc) error
}

// Registry maps platform names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter already registered: %s", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}
