// Package tool provides the functions an LLM may call while answering a
// chat message, and the registry and runner the llm stage drives them
// through.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool is one model-callable function.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() json.RawMessage
	Validate(raw json.RawMessage) error
	Execute(ctx context.Context, raw json.RawMessage) (Result, error)
}

// Call is one invocation requested by the model.
type Call struct {
	Name      string
	Arguments json.RawMessage
}

var (
	// ErrUnknownTool is returned for calls naming an unregistered or
	// disabled tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDenied is wrapped by URL policy rejections.
	ErrDenied = errors.New("denied by policy")
)

// ValidationError means the model sent a call that cannot run.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("validation: %v", e.Err)
	}
	return fmt.Sprintf("validation: %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Class buckets a tool error for audit rows: validation, policy, timeout
// or tool_exec.
func Class(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, ErrDenied):
		return "policy"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "tool_exec"
}
