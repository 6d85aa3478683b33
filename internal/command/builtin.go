package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

const defaultHistoryLen = 10

var (
	errNoUpdater = errors.New("当前运行模式不支持修改配置。")
	errNoStore   = errors.New("未配置对话存储。")
)

// UsageError is returned when arguments are missing or invalid.
type UsageError struct {
	Command *Command
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("参数错误，用法: %s %s", e.Command.FullPath(), e.Command.Usage)
}

// Builtins returns the built-in command set.
func Builtins() []*Command {
	toolCmd := &Command{Name: "tool", Description: "管理函数工具"}
	toolCmd.AddCommand(
		&Command{Name: "ls", Aliases: []string{"list"}, Description: "查看函数工具列表", Handler: toolList},
		&Command{Name: "on", Description: "激活工具", Usage: "<name>", AdminOnly: true, Handler: toolSwitch(true)},
		&Command{Name: "off", Description: "停用工具", Usage: "<name>", AdminOnly: true, Handler: toolSwitch(false)},
	)
	return []*Command{
		{Name: "help", Aliases: []string{"帮助"}, Description: "查看帮助", Handler: help},
		{Name: "sid", Description: "查看会话 ID 和用户 ID", Handler: sid},
		{Name: "wl", Description: "添加会话白名单", Usage: "[sid]", AdminOnly: true, Handler: whitelistAdd},
		{Name: "dwl", Description: "删除会话白名单", Usage: "[sid]", AdminOnly: true, Handler: whitelistRemove},
		{Name: "op", Description: "授权管理员", Usage: "<uid>", AdminOnly: true, Handler: op},
		{Name: "deop", Description: "取消管理员授权", Usage: "<uid>", AdminOnly: true, Handler: deop},
		{Name: "reset", Description: "重置当前对话的历史记录", Handler: reset},
		{Name: "del", Description: "删除当前对话", Handler: del},
		{Name: "rename", Description: "重命名当前对话", Usage: "<title>", Handler: rename},
		{Name: "history", Description: "查看对话历史记录", Usage: "[n]", Handler: history},
		{Name: "persona", Description: "查看或切换人格", Usage: "[list|unset|<id>]", Handler: personaCmd},
		{Name: "provider", Description: "查看当前 LLM 提供商", Handler: provider},
		toolCmd,
		{Name: "reload", Description: "重新加载配置", AdminOnly: true, Handler: reload},
	}
}

// RegisterBuiltins registers Builtins into r.
func RegisterBuiltins(r *Registry, mws ...Middleware) error {
	for _, cmd := range Builtins() {
		if err := r.Register(cmd, mws...); err != nil {
			return err
		}
	}
	return nil
}

func prefixOf(call *Call) string {
	if call.Env.Config == nil {
		return "/"
	}
	return call.Env.Config.Command.Prefix
}

func help(_ context.Context, call *Call) (string, error) {
	prefix := prefixOf(call)
	if name := call.Arg(0); name != "" && call.Env.Registry != nil {
		if cmd, _ := call.Env.Registry.Find(call.Args); cmd != nil {
			return cmd.Help(prefix), nil
		}
	}
	var b strings.Builder
	b.WriteString("已注册的内置指令:\n")
	if call.Env.Registry != nil {
		for _, cmd := range call.Env.Registry.List() {
			fmt.Fprintf(&b, "%s%s - %s%s\n", prefix, cmd.Name, cmd.Description, adminMark(cmd))
		}
	}
	fmt.Fprintf(&b, "使用 %shelp <指令> 查看详细用法。", prefix)
	return b.String(), nil
}

func sid(_ context.Context, call *Call) (string, error) {
	ev := call.Event
	return fmt.Sprintf("SID: %s 此 ID 可用于设置会话白名单。\n%swl <SID> 添加白名单，%sdwl <SID> 删除白名单。\n\nUID: %s 此 ID 可用于设置管理员。\n%sop <UID> 授权管理员，%sdeop <UID> 取消管理员。",
		ev.SessionKey(), prefixOf(call), prefixOf(call),
		ev.Sender.ID, prefixOf(call), prefixOf(call)), nil
}

func update(ctx context.Context, call *Call, mutate func(*config.Config) error) error {
	if call.Env.Updater == nil {
		return errNoUpdater
	}
	return call.Env.Updater.Update(ctx, mutate)
}

func whitelistAdd(ctx context.Context, call *Call) (string, error) {
	key := call.Arg(0)
	if key == "" {
		key = call.Event.SessionKey()
	}
	err := update(ctx, call, func(cfg *config.Config) error {
		if !slices.Contains(cfg.Whitelist.Sessions, key) {
			cfg.Whitelist.Sessions = append(cfg.Whitelist.Sessions, key)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return "添加白名单成功。", nil
}

func whitelistRemove(ctx context.Context, call *Call) (string, error) {
	key := call.Arg(0)
	if key == "" {
		key = call.Event.SessionKey()
	}
	err := update(ctx, call, func(cfg *config.Config) error {
		i := slices.Index(cfg.Whitelist.Sessions, key)
		if i < 0 {
			return errors.New("此 SID 不在白名单内。")
		}
		cfg.Whitelist.Sessions = slices.Delete(cfg.Whitelist.Sessions, i, i+1)
		return nil
	})
	if err != nil {
		return "", err
	}
	return "删除白名单成功。", nil
}

func op(ctx context.Context, call *Call) (string, error) {
	uid := call.Arg(0)
	if uid == "" {
		return "", &UsageError{Command: call.Command}
	}
	err := update(ctx, call, func(cfg *config.Config) error {
		if !slices.Contains(cfg.Admins, uid) {
			cfg.Admins = append(cfg.Admins, uid)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return "授权成功。", nil
}

func deop(ctx context.Context, call *Call) (string, error) {
	uid := call.Arg(0)
	if uid == "" {
		return "", &UsageError{Command: call.Command}
	}
	err := update(ctx, call, func(cfg *config.Config) error {
		i := slices.Index(cfg.Admins, uid)
		if i < 0 {
			return errors.New("此用户 ID 不是管理员。")
		}
		cfg.Admins = slices.Delete(cfg.Admins, i, i+1)
		return nil
	})
	if err != nil {
		return "", err
	}
	return "取消授权成功。", nil
}

func reset(ctx context.Context, call *Call) (string, error) {
	if call.Env.Store == nil {
		return "", errNoStore
	}
	err := call.Env.Store.UpdateHistory(ctx, call.Event.SessionKey(), nil)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return "", err
	}
	return "重置成功。", nil
}

func del(ctx context.Context, call *Call) (string, error) {
	if call.Env.Store == nil {
		return "", errNoStore
	}
	err := call.Env.Store.Delete(ctx, call.Event.SessionKey())
	if errors.Is(err, conversation.ErrNotFound) {
		return "当前没有对话。", nil
	}
	if err != nil {
		return "", err
	}
	return "删除当前对话成功。", nil
}

func rename(ctx context.Context, call *Call) (string, error) {
	title := strings.TrimSpace(strings.Join(call.Args, " "))
	if title == "" {
		return "", &UsageError{Command: call.Command}
	}
	if call.Env.Store == nil {
		return "", errNoStore
	}
	key := call.Event.SessionKey()
	if _, err := conversation.GetOrCreate(ctx, call.Env.Store, key); err != nil {
		return "", err
	}
	if err := call.Env.Store.UpdateTitle(ctx, key, title); err != nil {
		return "", err
	}
	return "重命名对话成功。", nil
}

func history(ctx context.Context, call *Call) (string, error) {
	n := defaultHistoryLen
	if raw := call.Arg(0); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return "", &UsageError{Command: call.Command}
		}
		n = v
	}
	if call.Env.Store == nil {
		return "", errNoStore
	}
	conv, err := call.Env.Store.Get(ctx, call.Event.SessionKey())
	if errors.Is(err, conversation.ErrNotFound) {
		return "历史记录：\n(空)", nil
	}
	if err != nil {
		return "", err
	}
	var lines []string
	for _, m := range conv.History {
		if m.Role != ctxpkg.RoleUser && m.Role != ctxpkg.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 0 {
		return fmt.Sprintf("历史记录：%s\n(空)", conv.DisplayTitle()), nil
	}
	return fmt.Sprintf("历史记录：%s\n%s", conv.DisplayTitle(), strings.Join(lines, "\n")), nil
}

func personaCmd(ctx context.Context, call *Call) (string, error) {
	table := call.Env.Personas
	key := call.Event.SessionKey()
	arg := call.Arg(0)

	switch arg {
	case "", "list":
		current := table.DefaultID()
		if arg == "" && call.Env.Store != nil {
			if conv, err := call.Env.Store.Get(ctx, key); err == nil {
				current = table.Resolve(conv.PersonaID).ID
			}
		}
		var b strings.Builder
		b.WriteString("[Persona]\n")
		fmt.Fprintf(&b, "当前人格: %s\n", orNone(current))
		fmt.Fprintf(&b, "默认人格: %s\n", orNone(table.DefaultID()))
		b.WriteString("可用人格:")
		for _, p := range table.List() {
			fmt.Fprintf(&b, "\n- %s", p.ID)
		}
		return b.String(), nil
	case "unset":
		if call.Env.Store == nil {
			return "", errNoStore
		}
		if err := call.Env.Store.UpdatePersona(ctx, key, ""); err != nil && !errors.Is(err, conversation.ErrNotFound) {
			return "", err
		}
		return "[Persona] 已取消当前对话的人格设置。", nil
	default:
		if _, ok := table.Get(arg); !ok {
			return "", fmt.Errorf("人格 %s 不存在。", arg)
		}
		if call.Env.Store == nil {
			return "", errNoStore
		}
		if _, err := conversation.GetOrCreate(ctx, call.Env.Store, key); err != nil {
			return "", err
		}
		if err := call.Env.Store.UpdatePersona(ctx, key, arg); err != nil {
			return "", err
		}
		return fmt.Sprintf("[Persona] 已切换到人格 %s。", arg), nil
	}
}

func orNone(s string) string {
	if s == "" {
		return "无"
	}
	return s
}

func provider(_ context.Context, call *Call) (string, error) {
	p := call.Env.Provider
	if p == nil {
		return "当前载入的 LLM 提供商: 无", nil
	}
	return fmt.Sprintf("当前载入的 LLM 提供商: %s (模型: %s)", p.ID(), p.Model()), nil
}

func disabledSet(call *Call) map[string]bool {
	out := map[string]bool{}
	if call.Env.Config != nil {
		for _, name := range call.Env.Config.Tools.Disabled {
			out[name] = true
		}
	}
	return out
}

func toolList(_ context.Context, call *Call) (string, error) {
	var b strings.Builder
	b.WriteString("函数工具:")
	if call.Env.Tools == nil {
		b.WriteString("\n(无)")
		return b.String(), nil
	}
	for _, meta := range call.Env.Tools.List(disabledSet(call)) {
		state := "启用"
		if !meta.Enabled {
			state = "停用"
		}
		fmt.Fprintf(&b, "\n- %s (%s): %s", meta.Name, state, meta.Description)
	}
	return b.String(), nil
}

func toolSwitch(enable bool) Handler {
	return func(ctx context.Context, call *Call) (string, error) {
		name := call.Arg(0)
		if name == "" {
			return "", &UsageError{Command: call.Command}
		}
		if call.Env.Tools == nil {
			return "", fmt.Errorf("工具 %s 不存在。", name)
		}
		if _, ok := call.Env.Tools.Get(name); !ok {
			return "", fmt.Errorf("工具 %s 不存在。", name)
		}
		err := update(ctx, call, func(cfg *config.Config) error {
			i := slices.Index(cfg.Tools.Disabled, name)
			switch {
			case enable && i >= 0:
				cfg.Tools.Disabled = slices.Delete(cfg.Tools.Disabled, i, i+1)
			case !enable && i < 0:
				cfg.Tools.Disabled = append(cfg.Tools.Disabled, name)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if enable {
			return fmt.Sprintf("激活工具 %s 成功。", name), nil
		}
		return fmt.Sprintf("停用工具 %s 成功。", name), nil
	}
}

func reload(ctx context.Context, call *Call) (string, error) {
	if call.Env.Updater == nil {
		return "", errNoUpdater
	}
	if err := call.Env.Updater.Reload(ctx); err != nil {
		return "", err
	}
	return "已提交配置重载。", nil
}
