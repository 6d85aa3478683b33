package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_Run(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockTool{name: "echo", output: "hello"}))
	r := NewRunner(reg, nil, DefaultLimits())

	res, err := r.Run(context.Background(), Call{Name: "echo", Arguments: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "hello", res.Output)

	_, err = r.Run(context.Background(), Call{Name: " echo "})
	assert.NoError(t, err, "name is trimmed and empty arguments default to an object")
}

func TestRunner_Run_Rejections(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockTool{name: "echo"}))
	require.NoError(t, reg.Register(&mockTool{name: "web_search"}))
	r := NewRunner(reg, map[string]bool{"web_search": true}, Limits{})

	tests := []struct {
		name    string
		call    Call
		unknown bool
	}{
		{"unknown", Call{Name: "unknown"}, true},
		{"empty name", Call{Name: ""}, true},
		{"disabled", Call{Name: "web_search"}, true},
		{"bad arguments", Call{Name: "echo", Arguments: json.RawMessage(`[1,2]`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.call)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownTool))
			assert.Equal(t, "validation", Class(err))
			assert.False(t, res.OK)
			assert.Contains(t, res.Content(), "validation")
		})
	}
}

func TestRunner_Run_NilRunner(t *testing.T) {
	var r *Runner
	_, err := r.Run(context.Background(), Call{Name: "echo"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRunner_Run_ExecuteErrorReturnsFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockTool{name: "boom", err: errors.New("network down")}))
	r := NewRunner(reg, nil, Limits{})

	res, err := r.Run(context.Background(), Call{Name: "boom"})
	require.EqualError(t, err, "network down")
	assert.Equal(t, "tool_exec", Class(err))
	assert.False(t, res.OK)
	assert.Equal(t, "network down", res.Error)
	assert.Contains(t, res.Content(), `"error":"network down"`)
}

func TestRunner_Run_AppliesLimits(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockTool{name: "long", output: strings.Repeat("x", 100)}))
	r := NewRunner(reg, nil, Limits{MaxBytes: 10})

	res, err := r.Run(context.Background(), Call{Name: "long"})
	require.NoError(t, err)
	assert.Len(t, res.Output, 10)
	assert.True(t, res.Truncated)
}

func TestClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{&ValidationError{Tool: "x", Err: errors.New("bad")}, "validation"},
		{fmt.Errorf("fetch: %w", &ValidationError{Err: ErrUnknownTool}), "validation"},
		{fmt.Errorf("%w: host evil.example", ErrDenied), "policy"},
		{fmt.Errorf("get: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("connection reset"), "tool_exec"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Class(tt.err), "%v", tt.err)
	}
}

func TestValidationError_Message(t *testing.T) {
	assert.EqualError(t, &ValidationError{Tool: "echo", Err: errors.New("bad")}, "validation: echo: bad")
	assert.EqualError(t, &ValidationError{Err: ErrUnknownTool}, "validation: unknown tool")
}
