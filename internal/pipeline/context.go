package pipeline

import (
	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/command"
	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/event"
	modelpkg "github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/persona"
	"github.com/stupiduntilnot/stagebot/internal/platform"
	"github.com/stupiduntilnot/stagebot/internal/safety"
	toolpkg "github.com/stupiduntilnot/stagebot/internal/tool"
)

// Auditor stores audit rows; db.EventLog implements it.
type Auditor interface {
	Record(parent int64, eventType string, payload map[string]any) (int64, error)
}

// Deps are the collaborators a snapshot is built from.
type Deps struct {
	Commands  *command.Registry
	Safety    *safety.Matcher
	Personas  *persona.Table
	Tools     *toolpkg.Registry
	Provider  modelpkg.Provider
	Store     conversation.Store
	Platforms *platform.Registry
	Breaker   *control.CircuitBreaker
	Updater   command.Updater
	Audit     Auditor
	Logger    *zap.Logger
}

// Context is an immutable snapshot shared read-only by every stage
// invocation. It is replaced as a whole by Scheduler.Reload.
type Context struct {
	Deps
	Config *config.Config
	Stages []Stage

	whitelist map[string]bool
	admins    map[string]bool
	disabled  map[string]bool
	fatal     map[ErrorKind]bool
}

// NewContext resolves cfg.Pipeline.Stages against available and indexes
// the whitelist, admins and fatal kinds of cfg.
func NewContext(cfg *config.Config, deps Deps, available []Stage) (*Context, error) {
	stages, err := Resolve(available, cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	fatal := map[ErrorKind]bool{}
	for _, raw := range cfg.Pipeline.FatalKinds {
		kind, ok := ParseErrorKind(raw)
		if !ok {
			return nil, config.Errorf("pipeline.fatal_kinds", "unknown error kind %q", raw)
		}
		fatal[kind] = true
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Context{
		Deps:      deps,
		Config:    cfg,
		Stages:    stages,
		whitelist: toSet(cfg.Whitelist.Sessions),
		admins:    toSet(cfg.Admins),
		disabled:  toSet(cfg.Tools.Disabled),
		fatal:     fatal,
	}, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

// WhitelistActive reports whether sessions are filtered at all.
func (c *Context) WhitelistActive() bool {
	return c.Config.Whitelist.Enable && len(c.whitelist) > 0
}

// Whitelisted matches the full session key or, when sessionID is not
// empty, the bare session id.
func (c *Context) Whitelisted(key, sessionID string) bool {
	if c.whitelist[key] {
		return true
	}
	return sessionID != "" && c.whitelist[sessionID]
}

func (c *Context) IsAdmin(senderID string) bool {
	return senderID != "" && c.admins[senderID]
}

// ToolDisabled reports whether the named tool is switched off.
func (c *Context) ToolDisabled(name string) bool {
	return c.disabled[name]
}

// DisabledTools returns the disabled tool set; callers must not mutate it.
func (c *Context) DisabledTools() map[string]bool {
	return c.disabled
}

// Fatal reports whether a failure of kind aborts the event.
func (c *Context) Fatal(kind ErrorKind) bool {
	return c.Config.Pipeline.AbortOnError || c.fatal[kind]
}

// StageNames returns the resolved stage order.
func (c *Context) StageNames() []string {
	out := make([]string, 0, len(c.Stages))
	for _, s := range c.Stages {
		out = append(out, string(s.ID()))
	}
	return out
}

// EventLogger returns the logger for one stage of one event.
func (c *Context) EventLogger(ev *event.Event, stage StageID) *zap.Logger {
	return c.Logger.With(
		zap.String("event_id", ev.ID),
		zap.String("session", ev.SessionKey()),
		zap.String("stage", string(stage)),
	)
}

// Record writes an audit row and returns its id, 0 when auditing is off or
// the write failed.
func (c *Context) Record(parent int64, eventType string, payload map[string]any) int64 {
	if c.Audit == nil {
		return 0
	}
	id, err := c.Audit.Record(parent, eventType, payload)
	if err != nil {
		c.Logger.Warn("audit record failed", zap.String("type", eventType), zap.Error(err))
		return 0
	}
	return id
}
