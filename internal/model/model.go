package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one completion call.
type Request struct {
	Messages []ctxpkg.Message
	Tools    []ToolSpec
}

// CompletionResponse is the common response model for model providers. It
// carries either final text or tool calls.
type CompletionResponse struct {
	Content      string
	ToolCalls    []ctxpkg.ToolCall
	InputTokens  int
	OutputTokens int
}

// WantsTools reports whether the model asked for tool execution.
func (r CompletionResponse) WantsTools() bool {
	return len(r.ToolCalls) > 0
}

// Provider is the model provider abstraction used by the LLM stage.
type Provider interface {
	ID() string
	Model() string
	Complete(ctx context.Context, req Request) (CompletionResponse, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrAuth        ErrorKind = "auth"
	ErrRateLimit   ErrorKind = "rate_limit"
	ErrMalformed   ErrorKind = "malformed"
	ErrUnavailable ErrorKind = "unavailable"
)

// Error is the typed failure returned by providers.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf classifies any error returned from a provider call. Untyped
// deadline and network timeouts map to ErrTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	return ErrUnavailable
}
