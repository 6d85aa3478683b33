package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
)

// Report summarizes one pass of an event through the chain.
type Report struct {
	// StoppedAt is the first stage that stopped propagation, empty when
	// every stage continued.
	StoppedAt StageID
	Errors    []*StageError
	Aborted   bool
	// DeadlineReached is set when the event deadline passed and only the
	// Terminal stages ran, on the reply grace period.
	DeadlineReached bool
}

// DefaultReplyGrace is how long Terminal stages get once the event
// deadline has passed, when the configuration does not say.
const DefaultReplyGrace = 10 * time.Second

// Execute drives ev through pc.Stages in order. After a stop or a
// non-fatal failure only Terminal stages run; a fatal failure aborts the
// event at once. When ctx hits its deadline the remaining Terminal stages
// still run on a fresh context bounded by the reply grace, so a result
// already set still reaches the user. Cancellation aborts. Panics are left
// to the caller.
func Execute(ctx context.Context, pc *Context, ev *event.Event) Report {
	var report Report
	logger := pc.Logger.With(zap.String("event_id", ev.ID), zap.String("session", ev.SessionKey()))

	ev.AuditID = pc.Record(0, db.EventReceived, map[string]any{
		"event_id": ev.ID,
		"session":  ev.SessionKey(),
		"sender":   ev.Sender.ID,
		"text":     truncate(ev.MessageStr, 500),
	})

	if err := ev.Validate(); err != nil {
		serr := &StageError{Kind: KindMalformedEvent, Detail: err.Error(), Err: err}
		logger.Warn("malformed event dropped", zap.Error(err))
		pc.Record(ev.AuditID, db.EventDropped, map[string]any{
			"kind":   string(serr.Kind),
			"detail": serr.Detail,
		})
		report.Errors = append(report.Errors, serr)
		report.Aborted = true
		return report
	}

	stopped := false
	for _, st := range pc.Stages {
		if stopped && !isTerminal(st) {
			continue
		}
		if err := ctx.Err(); err != nil {
			if report.DeadlineReached || !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("event cancelled, remaining stages skipped",
					zap.String("stage", string(st.ID())), zap.Error(err))
				pc.Record(ev.AuditID, db.EventAborted, map[string]any{
					"stage":  string(st.ID()),
					"reason": err.Error(),
				})
				report.Aborted = true
				return report
			}
			grace := pc.Config.Pipeline.ReplyGrace
			if grace <= 0 {
				grace = DefaultReplyGrace
			}
			logger.Warn("event deadline reached, only reply stages run",
				zap.String("stage", string(st.ID())), zap.Duration("grace", grace))
			pc.Record(ev.AuditID, db.EventDeadlineReached, map[string]any{
				"stage":    string(st.ID()),
				"grace_ms": grace.Milliseconds(),
			})
			report.DeadlineReached = true
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), grace)
			defer cancel()
			if !stopped {
				report.StoppedAt = st.ID()
				stopped = true
			}
			if !isTerminal(st) {
				continue
			}
		}

		stageLog := logger.With(zap.String("stage", string(st.ID())))
		stageLog.Debug("executing stage")
		res := st.Process(ctx, pc, ev)

		switch res.Outcome {
		case Continue:
		case Stop:
			payload := map[string]any{"stage": string(st.ID())}
			if res.Err != nil {
				res.Err.Stage = st.ID()
				payload["kind"] = string(res.Err.Kind)
				payload["detail"] = res.Err.Detail
			}
			pc.Record(ev.AuditID, db.EventStageStopped, payload)
			stageLog.Debug("stage stopped propagation")
			if !stopped {
				report.StoppedAt = st.ID()
				stopped = true
			}
		case Failed:
			serr := res.Err
			if serr == nil {
				serr = &StageError{Kind: KindUnexpected}
			}
			serr.Stage = st.ID()
			report.Errors = append(report.Errors, serr)
			pc.Record(ev.AuditID, db.EventStageFailed, map[string]any{
				"stage":  string(st.ID()),
				"kind":   string(serr.Kind),
				"detail": truncate(serr.Detail, 500),
			})
			if pc.Fatal(serr.Kind) {
				stageLog.Error("stage failed, event aborted",
					zap.String("kind", string(serr.Kind)), zap.String("detail", serr.Detail))
				pc.Record(ev.AuditID, db.EventAborted, map[string]any{
					"stage": string(st.ID()),
					"kind":  string(serr.Kind),
				})
				report.Aborted = true
				return report
			}
			stageLog.Warn("stage failed",
				zap.String("kind", string(serr.Kind)), zap.String("detail", serr.Detail))
			if !stopped {
				report.StoppedAt = st.ID()
				stopped = true
			}
		}
	}

	payload := map[string]any{"stopped_at": string(report.StoppedAt)}
	if r := ev.Result(); r != nil {
		payload["result"] = string(r.Type)
	}
	pc.Record(ev.AuditID, db.EventCompleted, payload)
	return report
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
