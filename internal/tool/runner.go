package tool

import (
	"context"
	"encoding/json"
	"strings"
)

// Runner executes model tool calls against one registry, skipping the
// disabled tools and clipping their output.
type Runner struct {
	registry *Registry
	disabled map[string]bool
	limits   Limits
}

func NewRunner(registry *Registry, disabled map[string]bool, limits Limits) *Runner {
	return &Runner{registry: registry, disabled: disabled, limits: limits}
}

// Run validates and executes call. On failure the error is returned
// together with a non-OK result that can be fed back to the model.
func (r *Runner) Run(ctx context.Context, call Call) (Result, error) {
	name := strings.TrimSpace(call.Name)
	if r == nil || r.registry == nil || name == "" {
		return r.reject(name, ErrUnknownTool)
	}
	t, ok := r.registry.Get(name)
	if !ok || r.disabled[name] {
		return r.reject(name, ErrUnknownTool)
	}
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage(`{}`)
	}
	if err := t.Validate(call.Arguments); err != nil {
		return r.reject(name, err)
	}
	res, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return Failure(err), err
	}
	var clipped bool
	res.Output, clipped = Truncate(res.Output, r.limits)
	res.Truncated = res.Truncated || clipped
	return res, nil
}

func (r *Runner) reject(name string, err error) (Result, error) {
	verr := &ValidationError{Tool: name, Err: err}
	return Failure(verr), verr
}
