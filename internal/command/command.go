package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/persona"
	"github.com/stupiduntilnot/stagebot/internal/tool"
)

// Handler runs a command and returns the text to send back.
type Handler func(ctx context.Context, call *Call) (string, error)

type Middleware func(next Handler) Handler

// Updater persists a config change and schedules a pipeline reload.
// Implementations mutate a private copy, so the snapshot seen by the
// running event never changes.
type Updater interface {
	Update(ctx context.Context, mutate func(*config.Config) error) error
	// Reload re-reads the config file and rebuilds the pipeline.
	Reload(ctx context.Context) error
}

// Env is what handlers may use. It is taken from the pipeline snapshot
// the event runs against.
type Env struct {
	Config   *config.Config
	Registry *Registry
	Store    conversation.Store
	Provider model.Provider
	Tools    *tool.Registry
	Personas *persona.Table
	Updater  Updater
}

// Call is one invocation.
type Call struct {
	Event   *event.Event
	Command *Command
	Args    []string
	IsAdmin bool
	Env     Env
}

// Arg returns the i-th argument or "".
func (c *Call) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	AdminOnly   bool
	// Handler may be nil for pure groups; invoking one prints its help.
	Handler Handler

	Parent   *Command
	fullPath string

	mu         sync.RWMutex
	subs       map[string]*Command
	subAliases map[string]string
}

// AddCommand attaches sub-commands and returns c.
func (c *Command) AddCommand(cmds ...*Command) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range cmds {
		sub.Parent = c
		if c.subs == nil {
			c.subs = map[string]*Command{}
			c.subAliases = map[string]string{}
		}
		c.subs[sub.Name] = sub
		for _, alias := range sub.Aliases {
			c.subAliases[alias] = sub.Name
		}
	}
	return c
}

func (c *Command) setFullPath() {
	if c.Parent == nil {
		c.fullPath = c.Name
	} else {
		c.fullPath = c.Parent.fullPath + " " + c.Name
	}
	for _, sub := range c.Subcommands() {
		sub.setFullPath()
	}
}

// FullPath is the space-joined path from the root command.
func (c *Command) FullPath() string {
	if c.fullPath == "" {
		return c.Name
	}
	return c.fullPath
}

// Find descends into sub-commands as far as args allow and returns the
// deepest match plus the remaining args.
func (c *Command) Find(args []string) (*Command, []string) {
	if len(args) == 0 {
		return c, nil
	}
	c.mu.RLock()
	sub, ok := c.subs[args[0]]
	if !ok {
		if name, aliased := c.subAliases[args[0]]; aliased {
			sub, ok = c.subs[name]
		}
	}
	c.mu.RUnlock()
	if ok {
		return sub.Find(args[1:])
	}
	return c, args
}

// Subcommands returns the direct children sorted by name.
func (c *Command) Subcommands() []*Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Command, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Allowed reports whether a caller may run c.
func (c *Command) Allowed(isAdmin bool) bool {
	return isAdmin || !c.AdminOnly
}

// Help renders usage for c and its direct sub-commands.
func (c *Command) Help(prefix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "指令: %s%s\n", prefix, c.FullPath())
	if c.Description != "" {
		fmt.Fprintf(&b, "说明: %s\n", c.Description)
	}
	if c.Usage != "" {
		fmt.Fprintf(&b, "用法: %s%s %s\n", prefix, c.FullPath(), c.Usage)
	}
	if len(c.Aliases) > 0 {
		fmt.Fprintf(&b, "别名: %s\n", strings.Join(c.Aliases, ", "))
	}
	if subs := c.Subcommands(); len(subs) > 0 {
		b.WriteString("子指令:\n")
		for _, sub := range subs {
			fmt.Fprintf(&b, "  %s - %s%s\n", sub.Name, sub.Description, adminMark(sub))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func adminMark(c *Command) string {
	if c.AdminOnly {
		return " (管理员)"
	}
	return ""
}

// Registry maps names and aliases to root commands.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	roots    []*Command
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.With(zap.String("component", "command_registry")),
		commands: map[string]*Command{},
	}
}

// Register adds cmd under its name and aliases, wrapping the handlers of
// cmd and all its sub-commands with mws (first middleware outermost).
func (r *Registry) Register(cmd *Command, mws ...Middleware) error {
	if cmd == nil || strings.TrimSpace(cmd.Name) == "" {
		return fmt.Errorf("register command: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range append([]string{cmd.Name}, cmd.Aliases...) {
		if _, exists := r.commands[name]; exists {
			return fmt.Errorf("register command %s: name %q already taken", cmd.Name, name)
		}
	}

	cmd.setFullPath()
	wrap(cmd, mws)
	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.commands[alias] = cmd
	}
	r.roots = append(r.roots, cmd)

	r.logger.Debug("command registered",
		zap.String("command", cmd.Name),
		zap.Strings("aliases", cmd.Aliases),
		zap.Int("sub_commands", len(cmd.Subcommands())),
		zap.Int("middlewares", len(mws)),
	)
	return nil
}

func wrap(cmd *Command, mws []Middleware) {
	if cmd.Handler != nil {
		h := cmd.Handler
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		cmd.Handler = h
	}
	for _, sub := range cmd.Subcommands() {
		wrap(sub, mws)
	}
}

// Find resolves args to a command. It returns nil when args[0] is not a
// registered name or alias.
func (r *Registry) Find(args []string) (*Command, []string) {
	if len(args) == 0 {
		return nil, nil
	}
	r.mu.RLock()
	cmd, ok := r.commands[args[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, args
	}
	return cmd.Find(args[1:])
}

// List returns the root commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	out := append([]*Command(nil), r.roots...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse splits text into command tokens when it starts with prefix.
func Parse(text, prefix string) ([]string, bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return nil, false
	}
	args := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(args) == 0 {
		return nil, false
	}
	return args, true
}

// Logging logs every invocation with its duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (string, error) {
			start := time.Now()
			out, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("command", call.Command.FullPath()),
				zap.Strings("args", call.Args),
				zap.Duration("took", time.Since(start)),
			}
			if call.Event != nil {
				fields = append(fields,
					zap.String("event_id", call.Event.ID),
					zap.String("session", call.Event.SessionKey()),
				)
			}
			if err != nil {
				logger.Warn("command failed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("command executed", fields...)
			}
			return out, err
		}
	}
}
