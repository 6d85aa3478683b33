// Package dummy provides a scripted model provider and a scripted platform
// adapter for local runs and end-to-end tests.
//
// A script is a comma separated list of actions:
//
//	ok            succeed with a canned value
//	err:<class>   fail; for the provider <class> is a model error kind
//	sleep:<ms>    wait, then succeed
//	msg:<text>    produce text
//	msgb64:<b64>  produce base64 decoded text (for text containing commas)
//	echo          provider only: answer with the last user message
//	group:<text>  adapter only: a group message that mentions the bot
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	modelpkg "github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/platform"
)

const (
	// PlatformName is the adapter name and the platform of its events.
	PlatformName = "dummy"
	// SessionID is the session every scripted message arrives on.
	SessionID = "1"
	// SelfID is the bot's own id on the dummy platform.
	SelfID = "dummy_bot"
	// UserID is the sender of every scripted message.
	UserID = "dummy_user"
)

type action struct {
	kind string
	arg  string
}

var argKinds = []string{"err", "sleep", "msg", "msgb64", "group"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return nil, nil
	}
	var actions []action
	for _, p := range strings.Split(script, ",") {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		parsed := false
		for _, kind := range argKinds {
			if arg, ok := strings.CutPrefix(token, kind+":"); ok {
				actions = append(actions, action{kind: kind, arg: arg})
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action, repeating the last one once the script
// is exhausted.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeText(a action) (string, error) {
	if a.kind != "msgb64" {
		return a.arg, nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.arg)
	if err != nil {
		return "", fmt.Errorf("dummy msgb64 decode failed: %w", err)
	}
	return string(raw), nil
}

// Adapter is a platform.Adapter that commits the messages of its inbound
// script once and records everything sent to it.
type Adapter struct {
	inbound []action

	mu   sync.Mutex
	send *scriptRunner
	sent []Sent
}

// Sent is one chain delivered through the adapter.
type Sent struct {
	Type      event.MessageType
	SessionID string
	Chain     message.Chain
}

var _ platform.Adapter = (*Adapter)(nil)

func NewAdapter(inboundScript, sendScript string) (*Adapter, error) {
	inbound, err := parseScript(inboundScript)
	if err != nil {
		return nil, err
	}
	for _, a := range inbound {
		if a.kind == "echo" {
			return nil, fmt.Errorf("invalid dummy action for adapter: echo")
		}
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Adapter{inbound: inbound, send: send}, nil
}

func (a *Adapter) Name() string { return PlatformName }

func (a *Adapter) Run(ctx context.Context, commit platform.CommitFunc) error {
	for i, act := range a.inbound {
		switch act.kind {
		case "ok":
		case "err":
			return fmt.Errorf("dummy adapter error class=%s", emptyAs(act.arg, "platform_api"))
		case "sleep":
			if err := sleepMillis(ctx, act.arg); err != nil {
				return nil
			}
		default:
			text, err := decodeText(act)
			if err != nil {
				return err
			}
			if err := commit(ctx, a.event(i, act.kind, text)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("commit dummy message: %w", err)
			}
		}
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) event(i int, kind, text string) *event.Event {
	typ := event.Private
	chain := message.Text(text)
	if kind == "group" {
		typ = event.Group
		chain = message.Chain{message.Mention{TargetID: SelfID}, message.Plain{Text: text}}
	}
	ev := event.New(PlatformName, typ, SessionID, event.Sender{ID: UserID, Nickname: "dummy"}, chain)
	ev.SelfID = SelfID
	ev.MessageID = strconv.Itoa(i + 1)
	if typ == event.Group {
		ev.GroupID = SessionID
	}
	return ev
}

func (a *Adapter) Send(ctx context.Context, typ event.MessageType, sessionID string, chain message.Chain) error {
	a.mu.Lock()
	act := a.send.next()
	a.mu.Unlock()

	switch act.kind {
	case "err":
		return fmt.Errorf("dummy adapter send error class=%s", emptyAs(act.arg, "platform_api"))
	case "sleep":
		if err := sleepMillis(ctx, act.arg); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, Sent{Type: typ, SessionID: sessionID, Chain: chain.Clone()})
	return nil
}

// Sent returns a copy of every chain delivered so far.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

// Provider is a modelpkg.Provider that answers from a script.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
}

var _ modelpkg.Provider = (*Provider)(nil)

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	for _, a := range runner.actions {
		if a.kind == "group" {
			return nil, fmt.Errorf("invalid dummy action for provider: group")
		}
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) ID() string    { return "dummy" }
func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req modelpkg.Request) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.mu.Unlock()

	reply := func(text string) (modelpkg.CompletionResponse, error) {
		return modelpkg.CompletionResponse{Content: text, InputTokens: 1, OutputTokens: 1}, nil
	}
	switch a.kind {
	case "err":
		return modelpkg.CompletionResponse{}, modelpkg.NewError(p.ID(), errorKind(a.arg),
			fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api")))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, modelpkg.NewError(p.ID(), modelpkg.ErrTimeout, err)
		}
		return reply("dummy-after-sleep")
	case "msg", "msgb64":
		text, err := decodeText(a)
		if err != nil {
			return modelpkg.CompletionResponse{}, modelpkg.NewError(p.ID(), modelpkg.ErrMalformed, err)
		}
		return reply(text)
	case "echo":
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == ctxpkg.RoleUser {
				return reply(req.Messages[i].Content)
			}
		}
		return reply("dummy-ok")
	default:
		return reply(emptyAs(a.arg, "dummy-ok"))
	}
}

func errorKind(class string) modelpkg.ErrorKind {
	switch k := modelpkg.ErrorKind(class); k {
	case modelpkg.ErrTimeout, modelpkg.ErrAuth, modelpkg.ErrRateLimit, modelpkg.ErrMalformed:
		return k
	}
	return modelpkg.ErrUnavailable
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
