package stage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stupiduntilnot/stagebot/internal/command"
	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/persona"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
	"github.com/stupiduntilnot/stagebot/internal/platform"
	"github.com/stupiduntilnot/stagebot/internal/safety"
	"github.com/stupiduntilnot/stagebot/internal/tool"
)

const (
	platformName   = "test_platform"
	sidInWhitelist = "test_sid_wl"
	sidOutside     = "test_sid"
	botID          = "bot"
)

// recordingAdapter captures every chain handed to Send.
type recordingAdapter struct {
	mu    sync.Mutex
	sent  []message.Chain
	types []event.MessageType
	err   error
	// ctx.Err() as seen by each Send.
	ctxErrs []error
}

func (a *recordingAdapter) Name() string { return platformName }

func (a *recordingAdapter) Run(ctx context.Context, _ platform.CommitFunc) error {
	<-ctx.Done()
	return nil
}

func (a *recordingAdapter) Send(ctx context.Context, typ event.MessageType, _ string, chain message.Chain) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	if a.err != nil {
		return a.err
	}
	a.sent = append(a.sent, chain)
	a.types = append(a.types, typ)
	return nil
}

func (a *recordingAdapter) chains() []message.Chain {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]message.Chain(nil), a.sent...)
}

// scriptedProvider returns its responses in order, repeating the last.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []model.CompletionResponse
	errs      []error
	requests  []model.Request
	// block makes Complete wait for its context to end.
	block bool
}

func (p *scriptedProvider) ID() string    { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Complete(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	if p.block {
		p.mu.Unlock()
		<-ctx.Done()
		return model.CompletionResponse{}, ctx.Err()
	}
	defer p.mu.Unlock()
	if i < len(p.errs) && p.errs[i] != nil {
		return model.CompletionResponse{}, p.errs[i]
	}
	if len(p.responses) == 0 {
		return model.CompletionResponse{Content: "default reply"}, nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type auditRow struct {
	id     int64
	parent int64
	typ    string
	data   map[string]any
}

type memAudit struct {
	mu   sync.Mutex
	rows []auditRow
}

func (a *memAudit) Record(parent int64, typ string, payload map[string]any) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := int64(len(a.rows) + 1)
	a.rows = append(a.rows, auditRow{id: id, parent: parent, typ: typ, data: payload})
	return id, nil
}

func (a *memAudit) ofType(typ string) []auditRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []auditRow
	for _, r := range a.rows {
		if r.typ == typ {
			out = append(out, r)
		}
	}
	return out
}

type env struct {
	cfg      *config.Config
	adapter  *recordingAdapter
	provider *scriptedProvider
	store    *conversation.SQLiteStore
	audit    *memAudit
	logs     *observer.ObservedLogs
	tools    *tool.Registry
	breaker  *control.CircuitBreaker
	personas *persona.Table
	// noProvider leaves Deps.Provider nil.
	noProvider bool
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("llm.provider", "dummy")
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	cfg.Whitelist.Sessions = []string{
		"test_platform:FriendMessage:test_sid_wl",
		"test_platform:GroupMessage:test_sid_wl",
	}
	cfg.Safety.ExtraPatterns = []string{"^TEST_NEGATIVE"}
	cfg.Respond.Segmented.Interval = 0
	return cfg
}

func newEnv(t *testing.T) *env {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { database.Close() })

	personas, err := persona.NewTable([]persona.Persona{{ID: "helper", Prompt: "you are helpful"}}, "helper")
	require.NoError(t, err)

	return &env{
		cfg:      baseConfig(t),
		adapter:  &recordingAdapter{},
		provider: &scriptedProvider{},
		store:    &conversation.SQLiteStore{DB: database},
		audit:    &memAudit{},
		tools:    tool.NewRegistry(),
		breaker:  control.NewCircuitBreaker(3, 0),
		personas: personas,
	}
}

func (e *env) context(t *testing.T) *pipeline.Context {
	t.Helper()
	matcher, err := safety.Compile(safety.DefaultTerms, e.cfg.Safety.ExtraPatterns)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	e.logs = logs
	logger := zap.New(core)

	commands := command.NewRegistry(logger)
	require.NoError(t, command.RegisterBuiltins(commands))

	platforms := platform.NewRegistry()
	require.NoError(t, platforms.Register(e.adapter))

	deps := pipeline.Deps{
		Commands:  commands,
		Safety:    matcher,
		Personas:  e.personas,
		Tools:     e.tools,
		Store:     e.store,
		Platforms: platforms,
		Breaker:   e.breaker,
		Audit:     e.audit,
		Logger:    logger,
	}
	if !e.noProvider {
		deps.Provider = e.provider
	}
	pc, err := pipeline.NewContext(e.cfg, deps, All())
	require.NoError(t, err)
	return pc
}

// run executes one event through a fresh snapshot.
func (e *env) run(t *testing.T, ev *event.Event) pipeline.Report {
	t.Helper()
	return pipeline.Execute(context.Background(), e.context(t), ev)
}

func (e *env) logged(msg string) bool {
	return e.logs.FilterMessage(msg).Len() > 0
}

func privateMsg(sid, text string) *event.Event {
	ev := event.New(platformName, event.Private, sid, event.Sender{ID: "u1", Nickname: "alice"}, message.Text(text))
	ev.SelfID = botID
	ev.MessageID = "m1"
	return ev
}

func groupMsg(sid string, chain message.Chain) *event.Event {
	ev := event.New(platformName, event.Group, sid, event.Sender{ID: "u2", Nickname: "bob"}, chain)
	ev.GroupID = sid
	ev.SelfID = botID
	ev.MessageID = "m2"
	return ev
}

var errBoom = errors.New("boom")
