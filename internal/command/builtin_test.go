package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/stagebot/internal/config"
	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/persona"
	"github.com/stupiduntilnot/stagebot/internal/tool"
)

// memUpdater applies mutations to an in-memory config.
type memUpdater struct {
	cfg     *config.Config
	reloads int
}

func (u *memUpdater) Update(_ context.Context, mutate func(*config.Config) error) error {
	next := u.cfg.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	u.cfg = next
	return nil
}

func (u *memUpdater) Reload(context.Context) error {
	u.reloads++
	return nil
}

type stubTool struct{ name string }

func (s stubTool) Name() string                  { return s.name }
func (s stubTool) Description() string           { return "stub " + s.name }
func (s stubTool) Parameters() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (s stubTool) Validate(json.RawMessage) error { return nil }
func (s stubTool) Execute(context.Context, json.RawMessage) (tool.Result, error) {
	return tool.Result{OK: true}, nil
}

type stubProvider struct{}

func (stubProvider) ID() string    { return "openai" }
func (stubProvider) Model() string { return "gpt-test" }
func (stubProvider) Complete(context.Context, model.Request) (model.CompletionResponse, error) {
	return model.CompletionResponse{Content: "hi"}, nil
}

type harness struct {
	env     Env
	updater *memUpdater
	store   *conversation.SQLiteStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { database.Close() })
	store := &conversation.SQLiteStore{DB: database}

	cfg := &config.Config{}
	cfg.Command.Prefix = "/"
	cfg.Whitelist.Sessions = []string{"test_platform:FriendMessage:test_sid_wl"}

	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(stubTool{name: "web_search"}))
	personas, err := persona.NewTable([]persona.Persona{{ID: "cat", Prompt: "meow"}, {ID: "dog", Prompt: "woof"}}, "cat")
	require.NoError(t, err)

	reg := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg))

	u := &memUpdater{cfg: cfg.Clone()}
	return &harness{
		env: Env{
			Config:   cfg,
			Registry: reg,
			Store:    store,
			Provider: stubProvider{},
			Tools:    tools,
			Personas: personas,
			Updater:  u,
		},
		updater: u,
		store:   store,
	}
}

func (h *harness) run(t *testing.T, text string, admin bool) (string, error) {
	t.Helper()
	args, ok := Parse(text, "/")
	require.True(t, ok, text)
	cmd, rest := h.env.Registry.Find(args)
	require.NotNil(t, cmd, text)
	require.NotNil(t, cmd.Handler, text)
	ev := event.New("test_platform", event.Private, "test_sid_wl", event.Sender{ID: "u1"}, message.Text(text))
	return cmd.Handler(context.Background(), &Call{Event: ev, Command: cmd, Args: rest, IsAdmin: admin, Env: h.env})
}

func TestBuiltins_Markers(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		text string
		want string
	}{
		{"/help", "已注册的内置指令"},
		{"/tool ls", "函数工具"},
		{"/tool on web_search", "激活工具"},
		{"/tool off web_search", "停用工具"},
		{"/sid", "此 ID 可用于设置会话白名单。"},
		{"/op test_op", "授权成功。"},
		{"/deop test_op", "取消授权成功。"},
		{"/wl test_platform:FriendMessage:test_sid_wl2", "添加白名单成功。"},
		{"/dwl test_platform:FriendMessage:test_sid_wl2", "删除白名单成功。"},
		{"/provider", "当前载入的 LLM 提供商"},
		{"/reset", "重置成功"},
		{"/history", "历史记录："},
		{"/persona", "[Persona]"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			out, err := h.run(t, tt.text, true)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestBuiltins_WhitelistMutations(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "/wl", true)
	require.NoError(t, err)
	_, err = h.run(t, "/wl onebot:GroupMessage:9", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_platform:FriendMessage:test_sid_wl", "onebot:GroupMessage:9"}, h.updater.cfg.Whitelist.Sessions)

	_, err = h.run(t, "/dwl nope", true)
	assert.Error(t, err)

	_, err = h.run(t, "/dwl onebot:GroupMessage:9", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_platform:FriendMessage:test_sid_wl"}, h.updater.cfg.Whitelist.Sessions)
	assert.Equal(t, []string{"test_platform:FriendMessage:test_sid_wl"}, h.env.Config.Whitelist.Sessions, "snapshot config is never mutated")
}

func TestBuiltins_ToolSwitch(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "/tool off web_search", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, h.updater.cfg.Tools.Disabled)
	_, err = h.run(t, "/tool on web_search", true)
	require.NoError(t, err)
	assert.Empty(t, h.updater.cfg.Tools.Disabled)

	_, err = h.run(t, "/tool on ghost", true)
	assert.Error(t, err)
	_, err = h.run(t, "/tool on", true)
	var ue *UsageError
	assert.ErrorAs(t, err, &ue)
}

func TestBuiltins_OpRequiresArgument(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "/op", true)
	var ue *UsageError
	require.ErrorAs(t, err, &ue)
	_, err = h.run(t, "/deop someone", true)
	assert.Error(t, err)
}

func TestBuiltins_ConversationCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "test_platform:FriendMessage:test_sid_wl"

	_, err := h.store.Create(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateHistory(ctx, key, []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: "q1"},
		{Role: ctxpkg.RoleAssistant, Content: "a1"},
		{Role: ctxpkg.RoleUser, Content: "q2"},
		{Role: ctxpkg.RoleAssistant, Content: "a2"},
	}))

	out, err := h.run(t, "/history 2", false)
	require.NoError(t, err)
	assert.Contains(t, out, "user: q2")
	assert.Contains(t, out, "assistant: a2")
	assert.NotContains(t, out, "q1")

	_, err = h.run(t, "/rename weather talk", false)
	require.NoError(t, err)
	conv, err := h.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "weather talk", conv.Title)

	_, err = h.run(t, "/persona dog", false)
	require.NoError(t, err)
	out, err = h.run(t, "/persona", false)
	require.NoError(t, err)
	assert.Contains(t, out, "当前人格: dog")

	_, err = h.run(t, "/persona ghost", false)
	assert.Error(t, err)

	_, err = h.run(t, "/reset", false)
	require.NoError(t, err)
	conv, err = h.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, conv.History)

	out, err = h.run(t, "/del", false)
	require.NoError(t, err)
	assert.Contains(t, out, "删除当前对话成功")
	out, err = h.run(t, "/del", false)
	require.NoError(t, err)
	assert.Equal(t, "当前没有对话。", out)
}

func TestBuiltins_HelpForOneCommand(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "/help tool", false)
	require.NoError(t, err)
	assert.Contains(t, out, "/tool")
	assert.Contains(t, out, "on - 激活工具 (管理员)")
}

func TestBuiltins_Reload(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "/reload", true)
	require.NoError(t, err)
	assert.Equal(t, 1, h.updater.reloads)

	h.env.Updater = nil
	_, err = h.run(t, "/reload", true)
	assert.ErrorIs(t, err, errNoUpdater)
}
