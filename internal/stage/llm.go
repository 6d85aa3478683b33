package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/config"
	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/model"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
	"github.com/stupiduntilnot/stagebot/internal/tool"
)

// LLM answers the message with the configured provider, running any tool
// calls the model asks for.
type LLM struct {
	now func() time.Time
}

func NewLLM() *LLM {
	return &LLM{now: time.Now}
}

func (*LLM) ID() pipeline.StageID { return pipeline.StageLLM }

func (s *LLM) Process(ctx context.Context, pc *pipeline.Context, ev *event.Event) pipeline.Result {
	if ev.HasSendOperation() || pc.Provider == nil {
		return pipeline.Next()
	}
	if ev.IsGroup() && !ev.IsWake {
		return pipeline.Next()
	}
	if strings.TrimSpace(ev.MessageStr) == "" {
		return pipeline.Next()
	}
	log := pc.EventLogger(ev, pipeline.StageLLM)
	cfg := pc.Config

	key := ev.SessionKey()
	conv := &conversation.Conversation{SessionKey: key}
	if pc.Store != nil {
		loaded, err := conversation.GetOrCreate(ctx, pc.Store, key)
		if err != nil {
			log.Error("load conversation", zap.Error(err))
			return pipeline.FailErr(pipeline.KindMissingSession, err)
		}
		conv = loaded
	}

	p := pc.Personas.Resolve(conv.PersonaID)
	window := ctxpkg.Window{MaxMessages: cfg.LLM.HistoryWindow, MaxRunes: cfg.LLM.HistoryMaxRunes}
	history := window.Trim(conv.History)
	messages := ctxpkg.Build(p.Prompt, history, ev.MessageStr)

	// Checked last: an allowed half-open probe must end in Success or
	// Failure.
	if pc.Breaker != nil {
		if ok, wait := pc.Breaker.Allow(s.now()); !ok {
			log.Warn("provider circuit open, request skipped",
				zap.String("class", pc.Breaker.Status().Class), zap.Duration("retry_in", wait))
			apologize(ev, cfg)
			return pipeline.Fail(pipeline.KindProviderUnavailable, "circuit open")
		}
	}

	log.Info("requesting LLM",
		zap.String("provider", pc.Provider.ID()),
		zap.String("model", pc.Provider.Model()),
		zap.String("persona", p.ID),
		zap.Int("history", len(history)),
	)
	answer, err := s.converse(ctx, pc, ev, messages, log)
	var limit *control.LimitError
	if err != nil && !errors.As(err, &limit) {
		kind := providerKind(err)
		log.Warn("LLM request failed", zap.String("kind", string(kind)), zap.Error(err))
		if pc.Breaker != nil && pc.Breaker.Failure(string(kind), s.now()) {
			log.Warn("provider circuit opened", zap.String("class", string(kind)))
			pc.Record(ev.AuditID, db.EventCircuitOpened, map[string]any{"class": string(kind)})
		}
		apologize(ev, cfg)
		return pipeline.FailErr(kind, err)
	}
	// A loop limit still means the provider answered.
	if pc.Breaker != nil && pc.Breaker.Success() {
		log.Info("provider circuit closed")
		pc.Record(ev.AuditID, db.EventCircuitClosed, nil)
	}
	if limit != nil {
		apologize(ev, cfg)
		return pipeline.FailErr(providerKind(err), err)
	}

	if cfg.Safety.Enable && cfg.Safety.CheckOutput {
		if term, hit := pc.Safety.Match(answer); hit {
			log.Info("LLM output failed content safety check", zap.String("matched", term))
			answer = cfg.Safety.RejectText
		}
	}

	ev.SetResult(&event.Result{Type: event.ResultLLM, Chain: message.Text(answer)})
	ev.MarkSendOperation()

	if pc.Store != nil {
		next := ctxpkg.AppendTurn(conv.History, ev.MessageStr, answer)
		if err := pc.Store.UpdateHistory(ctx, key, next); err != nil {
			log.Warn("save conversation history", zap.Error(err))
		}
	}
	return pipeline.Next()
}

// converse runs the completion/tool loop until the model returns text.
func (s *LLM) converse(ctx context.Context, pc *pipeline.Context, ev *event.Event, messages []ctxpkg.Message, log *zap.Logger) (string, error) {
	cfg := pc.Config
	policy := policyFrom(cfg)
	started := s.now()

	var (
		specs  []model.ToolSpec
		runner *tool.Runner
	)
	if pc.Tools != nil {
		specs = pc.Tools.Specs(pc.DisabledTools())
		runner = tool.NewRunner(pc.Tools, pc.DisabledTools(), tool.Limits{
			MaxLines: cfg.Tools.MaxOutputLines,
			MaxBytes: cfg.Tools.MaxOutputBytes,
		})
	}

	stall := control.NewStallDetector(policy.StallRounds)
	for turn := 0; ; turn++ {
		if err := policy.Check(turn, s.now().Sub(started)); err != nil {
			return "", s.limitReached(pc, ev, log, err)
		}

		turnID := pc.Record(ev.AuditID, db.EventTurnStarted, map[string]any{
			"turn":     turn + 1,
			"model":    pc.Provider.Model(),
			"messages": len(messages),
		})
		turnStart := time.Now()
		callCtx := ctx
		cancel := func() {}
		if cfg.LLM.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.LLM.Timeout)
		}
		resp, err := pc.Provider.Complete(callCtx, model.Request{Messages: messages, Tools: specs})
		cancel()
		if err != nil {
			return "", err
		}
		pc.Record(ev.AuditID, db.EventTurnCompleted, map[string]any{
			"turn":          turn + 1,
			"model":         pc.Provider.Model(),
			"latency_ms":    time.Since(turnStart).Milliseconds(),
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"tool_calls":    len(resp.ToolCalls),
		})

		if !resp.WantsTools() {
			answer := strings.TrimSpace(resp.Content)
			if answer == "" {
				return "", model.NewError(pc.Provider.ID(), model.ErrMalformed, errors.New("empty reply"))
			}
			return answer, nil
		}

		if stall.Observe(resp.ToolCalls) {
			return "", s.limitReached(pc, ev, log, stall.Error())
		}

		messages = append(messages, ctxpkg.Message{
			Role:      ctxpkg.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content := s.runTool(ctx, pc, ev, turnID, runner, call, log)
			messages = append(messages, ctxpkg.Message{
				Role:       ctxpkg.RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}
}

// runTool executes one call and returns the content fed back to the model.
// Failures are reported to the model, never to the caller.
func (s *LLM) runTool(ctx context.Context, pc *pipeline.Context, ev *event.Event, turnID int64, runner *tool.Runner, call ctxpkg.ToolCall, log *zap.Logger) string {
	argsText, argsRedacted := redactSecrets(call.Arguments)
	toolCtx := ctx
	cancel := func() {}
	if timeout := pc.Config.Tools.Timeout; timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	res, err := runner.Run(toolCtx, tool.Call{Name: call.Name, Arguments: json.RawMessage(call.Arguments)})
	if err != nil {
		errText, errRedacted := redactSecrets(err.Error())
		class := tool.Class(err)
		log.Info("tool call failed",
			zap.String("tool", call.Name), zap.String("class", class), zap.String("error", errText))
		pc.Record(turnID, db.EventToolCallFailed, map[string]any{
			"tool_name":   call.Name,
			"arguments":   truncate(argsText, 500),
			"error":       truncate(errText, 500),
			"error_class": class,
			"redacted":    argsRedacted || errRedacted,
		})
		if res.Error == "" {
			res = tool.Failure(err)
		}
		return res.Content()
	}
	log.Debug("tool call completed", zap.String("tool", call.Name))
	pc.Record(turnID, db.EventToolCallDone, map[string]any{
		"tool_name":  call.Name,
		"arguments":  truncate(argsText, 500),
		"latency_ms": time.Since(started).Milliseconds(),
		"truncated":  res.Truncated,
		"redacted":   argsRedacted,
	})
	return res.Content()
}

func (s *LLM) limitReached(pc *pipeline.Context, ev *event.Event, log *zap.Logger, err error) error {
	var le *control.LimitError
	if errors.As(err, &le) {
		log.Warn("LLM loop limit reached", zap.String("limit", string(le.Type)),
			zap.Int64("value", le.Value), zap.Int64("threshold", le.Threshold))
		pc.Record(ev.AuditID, db.EventLimitReached, map[string]any{
			"limit_type": string(le.Type),
			"value":      le.Value,
			"threshold":  le.Threshold,
		})
	}
	return err
}

// policyFrom fills unset limits from control.DefaultPolicy.
func policyFrom(cfg *config.Config) control.Policy {
	p := control.DefaultPolicy()
	if cfg.LLM.MaxTurns > 0 {
		p.MaxTurns = cfg.LLM.MaxTurns
	}
	if cfg.LLM.MaxWallTime > 0 {
		p.MaxWallTime = cfg.LLM.MaxWallTime
	}
	if cfg.LLM.StallRounds > 0 {
		p.StallRounds = cfg.LLM.StallRounds
	}
	p.MaxRetries = cfg.LLM.MaxRetries
	return p
}

// providerKind maps a provider or loop failure to a pipeline kind.
func providerKind(err error) pipeline.ErrorKind {
	var le *control.LimitError
	if errors.As(err, &le) {
		if le.Type == control.LimitWallTime {
			return pipeline.KindProviderTimeout
		}
		return pipeline.KindProviderUnavailable
	}
	switch model.KindOf(err) {
	case model.ErrTimeout:
		return pipeline.KindProviderTimeout
	case model.ErrAuth:
		return pipeline.KindProviderAuth
	case model.ErrRateLimit:
		return pipeline.KindProviderRateLimit
	case model.ErrMalformed:
		return pipeline.KindProviderMalformed
	default:
		return pipeline.KindProviderUnavailable
	}
}

func apologize(ev *event.Event, cfg *config.Config) {
	text := cfg.LLM.ApologyText
	if text == "" {
		text = "抱歉，模型服务暂时不可用，请稍后再试。"
	}
	ev.SetResult(&event.Result{Type: event.ResultError, Chain: message.Text(text)})
	ev.MarkSendOperation()
}
