package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTool struct {
	name   string
	output string
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock " + m.name }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (m *mockTool) Validate(raw json.RawMessage) error {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errors.New("arguments must be an object")
	}
	return nil
}

func (m *mockTool) Execute(ctx context.Context, raw json.RawMessage) (Result, error) {
	if m.err != nil {
		return Result{}, m.err
	}
	return Result{OK: true, Output: m.output}, nil
}

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, n := range names {
		require.NoError(t, r.Register(&mockTool{name: n}))
	}
	return r
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, "web_search")
	got, ok := r.Get("web_search")
	require.True(t, ok)
	assert.Equal(t, "web_search", got.Name())

	_, ok = r.Get("fetch_url")
	assert.False(t, ok)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := newTestRegistry(t, "fetch_url")
	assert.ErrorContains(t, r.Register(&mockTool{name: "fetch_url"}), "already registered")
	assert.Error(t, r.Register(nil))
	assert.ErrorContains(t, r.Register(&mockTool{name: "   "}), "empty")
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t, "web_search", "fetch_url", "clock")

	got := r.List(map[string]bool{"fetch_url": true})
	assert.Equal(t, []Meta{
		{Name: "clock", Description: "mock clock", Enabled: true},
		{Name: "fetch_url", Description: "mock fetch_url", Enabled: false},
		{Name: "web_search", Description: "mock web_search", Enabled: true},
	}, got)

	for _, m := range r.List(nil) {
		assert.True(t, m.Enabled, m.Name)
	}
}

func TestRegistry_Specs(t *testing.T) {
	r := newTestRegistry(t, "web_search", "fetch_url")

	specs := r.Specs(map[string]bool{"fetch_url": true})
	require.Len(t, specs, 1)
	assert.Equal(t, "web_search", specs[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(specs[0].Parameters))

	assert.Len(t, r.Specs(nil), 2)
	assert.Empty(t, r.Specs(map[string]bool{"fetch_url": true, "web_search": true}))
}
