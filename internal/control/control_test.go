package control

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

func TestPolicyCheck(t *testing.T) {
	p := Policy{MaxTurns: 2, MaxWallTime: 2 * time.Second}
	require.NoError(t, p.Check(1, time.Second))

	var le *LimitError
	require.True(t, errors.As(p.Check(2, 0), &le))
	assert.Equal(t, LimitTurns, le.Type)
	assert.EqualValues(t, 2, le.Threshold)

	require.True(t, errors.As(p.Check(0, 3*time.Second), &le))
	assert.Equal(t, LimitWallTime, le.Type)
	assert.EqualValues(t, 3, le.Value)

	p.MaxWallTime = 0
	assert.NoError(t, p.Check(0, time.Hour), "zero wall time disables the bound")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
	assert.Equal(t, 8*time.Second, Backoff(4, time.Second, 0), "no ceiling")
}

func TestStallDetector(t *testing.T) {
	search := func(id, q string) []ctxpkg.ToolCall {
		return []ctxpkg.ToolCall{{ID: id, Name: "web_search", Arguments: `{"query":"` + q + `"}`}}
	}

	d := NewStallDetector(3)
	assert.False(t, d.Observe(search("1", "go")))
	assert.False(t, d.Observe(search("2", "go")), "call ids do not matter")
	assert.False(t, d.Observe(search("3", "rust")))
	assert.False(t, d.Observe(search("4", "rust")))
	assert.True(t, d.Observe(search("5", "rust")))

	var le *LimitError
	require.ErrorAs(t, d.Error(), &le)
	assert.Equal(t, LimitStalled, le.Type)
	assert.EqualValues(t, 3, le.Value)

	off := NewStallDetector(1)
	for i := 0; i < 5; i++ {
		assert.False(t, off.Observe(search("x", "go")))
	}
}
