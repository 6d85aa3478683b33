package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/command"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
)

// Command dispatches prefixed messages to the command registry.
type Command struct{}

func (*Command) ID() pipeline.StageID { return pipeline.StageCommandDispatch }

func (*Command) Process(ctx context.Context, pc *pipeline.Context, ev *event.Event) pipeline.Result {
	if pc.Commands == nil || ev.HasSendOperation() {
		return pipeline.Next()
	}
	prefix := pc.Config.Command.Prefix
	args, ok := command.Parse(ev.MessageStr, prefix)
	if !ok {
		return pipeline.Next()
	}
	log := pc.EventLogger(ev, pipeline.StageCommandDispatch)

	cmd, rest := pc.Commands.Find(args)
	if cmd == nil {
		log.Info("unknown command", zap.String("command", args[0]))
		reply(ev, event.ResultCommand, fmt.Sprintf("未知指令: %s", args[0]))
		return pipeline.Fail(pipeline.KindCommandNotFound, args[0])
	}
	if !cmd.Allowed(ev.IsAdmin) {
		log.Info("command denied, admin only",
			zap.String("command", cmd.FullPath()), zap.String("sender", ev.Sender.ID))
		reply(ev, event.ResultCommand,
			fmt.Sprintf("权限不足，指令 %s%s 仅管理员可用。当前用户 ID: %s", prefix, cmd.FullPath(), ev.Sender.ID))
		return pipeline.HaltWith(pipeline.KindCommandFailed, "permission denied: "+cmd.FullPath())
	}

	if cmd.Handler == nil {
		reply(ev, event.ResultCommand, cmd.Help(prefix))
		return pipeline.Halt()
	}

	call := &command.Call{
		Event:   ev,
		Command: cmd,
		Args:    rest,
		IsAdmin: ev.IsAdmin,
		Env: command.Env{
			Config:   pc.Config,
			Registry: pc.Commands,
			Store:    pc.Store,
			Provider: pc.Provider,
			Tools:    pc.Tools,
			Personas: pc.Personas,
			Updater:  pc.Updater,
		},
	}
	start := time.Now()
	out, err := cmd.Handler(ctx, call)
	pc.Record(ev.AuditID, db.EventCommandExecuted, map[string]any{
		"command":    cmd.FullPath(),
		"args":       len(rest),
		"ok":         err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.Warn("command failed", zap.String("command", cmd.FullPath()), zap.Error(err))
		reply(ev, event.ResultError, err.Error())
		return pipeline.FailErr(pipeline.KindCommandFailed, err)
	}
	log.Info("command executed", zap.String("command", cmd.FullPath()))
	reply(ev, event.ResultCommand, out)
	return pipeline.Halt()
}

// reply sets the result and claims the send operation.
func reply(ev *event.Event, typ event.ResultType, text string) {
	ev.SetResult(&event.Result{Type: typ, Chain: message.Text(text)})
	ev.MarkSendOperation()
}
