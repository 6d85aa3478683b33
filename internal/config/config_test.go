package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagebot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultStages, cfg.Pipeline.Stages)
	assert.Equal(t, "/", cfg.Command.Prefix)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrency)
	assert.Equal(t, []string{"malformed_event", "missing_session"}, cfg.Pipeline.FatalKinds)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Greater(t, cfg.Pipeline.EventTimeout, cfg.LLM.MaxWallTime+cfg.LLM.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.ReplyGrace)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey, "legacy OPENAI_API_KEY must be honoured")
	assert.True(t, cfg.Safety.Enable)
	assert.False(t, cfg.Pipeline.AbortOnError)
}

func TestLoad_MissingDefaultFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("STAGEBOT_LLM_PROVIDER", "dummy")
	_, err := Load(DefaultPath)
	require.NoError(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: dummy
  timeout: 5s
whitelist:
  enable: true
  sessions: ["telegram:FriendMessage:1", "telegram:FriendMessage:1", "42"]
pipeline:
  stages: [whitelist_check, respond]
  max_concurrency: 2
personas:
  - id: cat
    prompt: you are a cat
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dummy", cfg.LLM.Provider)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, []string{"telegram:FriendMessage:1", "42"}, cfg.Whitelist.Sessions)
	assert.Equal(t, []string{"whitelist_check", "respond"}, cfg.Pipeline.Stages)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrency)
	require.Len(t, cfg.Personas, 1)
	assert.Equal(t, "cat", cfg.Personas[0].ID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: dummy\ncommand:\n  prefix: \"/\"\n")
	t.Setenv("STAGEBOT_COMMAND_PREFIX", "!")
	t.Setenv("STAGEBOT_ADMINS", "1,2")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "!", cfg.Command.Prefix)
	assert.Equal(t, []string{"1", "2"}, cfg.Admins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"openai without key", "llm:\n  provider: openai\n", "llm.api_key"},
		{"unknown provider", "llm:\n  provider: claude-ish\n", "llm.provider"},
		{"bad regex", "llm:\n  provider: dummy\nsafety:\n  extra_patterns: [\"(unclosed\"]\n", "safety.extra_patterns"},
		{"telegram without token", "llm:\n  provider: dummy\nplatforms:\n  telegram:\n    enable: true\n", "platforms.telegram.token"},
		{"zero concurrency", "llm:\n  provider: dummy\npipeline:\n  max_concurrency: 0\n", "pipeline.max_concurrency"},
		{"unknown default persona", "llm:\n  provider: dummy\n  default_persona: ghost\n", "llm.default_persona"},
		{"duplicate persona", "llm:\n  provider: dummy\npersonas:\n  - {id: a, prompt: x}\n  - {id: a, prompt: y}\n", "personas"},
		{"empty prefix", "llm:\n  provider: dummy\ncommand:\n  prefix: \" \"\n", "command.prefix"},
		{"event timeout within llm budget", "llm:\n  provider: dummy\npipeline:\n  event_timeout: 3m\n", "pipeline.event_timeout"},
		{"event timeout below call timeout", "llm:\n  provider: dummy\n  timeout: 90s\n  max_wall_time: 30s\npipeline:\n  event_timeout: 60s\n", "pipeline.event_timeout"},
		{"zero reply grace", "llm:\n  provider: dummy\npipeline:\n  reply_grace: 0s\n", "pipeline.reply_grace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: dummy\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	next := cfg.Clone()
	next.Whitelist.Sessions = append(next.Whitelist.Sessions, "onebot:GroupMessage:9")
	next.Admins = []string{"7"}
	next.Tools.Disabled = []string{"fetch_url"}
	require.NoError(t, Save(path, next))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"onebot:GroupMessage:9"}, reloaded.Whitelist.Sessions)
	assert.Equal(t, []string{"7"}, reloaded.Admins)
	assert.Equal(t, []string{"fetch_url"}, reloaded.Tools.Disabled)
	assert.Equal(t, cfg.LLM.Timeout, reloaded.LLM.Timeout)
	assert.Equal(t, cfg.Respond.Segmented.Interval, reloaded.Respond.Segmented.Interval)

	assert.Empty(t, cfg.Admins, "clone must not share slices with the original")
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: dummy\n")
	var calls atomic.Int32
	changed := make(chan struct{}, 4)
	w := NewWatcher(path, 50*time.Millisecond, func() {
		calls.Add(1)
		changed <- struct{}{}
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: dummy\n"), 0o644))
	}
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire")
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: dummy\n")
	var calls atomic.Int32
	w := NewWatcher(path, 20*time.Millisecond, func() { calls.Add(1) }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	w.Stop()
	assert.Equal(t, int32(0), calls.Load())
}
