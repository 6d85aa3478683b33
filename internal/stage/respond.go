package stage

import (
	"context"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
)

// Respond delivers the event's result through the originating adapter. It
// is terminal, so it also runs after an earlier stage stopped.
type Respond struct {
	wait func(ctx context.Context, d time.Duration) error
}

func NewRespond() *Respond {
	return &Respond{wait: sleepCtx}
}

func (*Respond) ID() pipeline.StageID { return pipeline.StageRespond }

func (*Respond) Terminal() bool { return true }

func (s *Respond) Process(ctx context.Context, pc *pipeline.Context, ev *event.Event) pipeline.Result {
	if ev.IsTerminated() || ev.Replied() {
		return pipeline.Next()
	}
	res := ev.Result()
	if res == nil || res.Chain.IsEmpty() {
		return pipeline.Next()
	}
	log := pc.EventLogger(ev, pipeline.StageRespond)

	sender, ok := pc.Platforms.Get(ev.Platform)
	if !ok {
		log.Error("no adapter registered for platform", zap.String("platform", ev.Platform))
		return pipeline.Fail(pipeline.KindSendFailed, "no adapter for platform "+ev.Platform)
	}

	cfg := pc.Config.Respond
	segments := []message.Chain{res.Chain}
	if res.Type == event.ResultLLM && cfg.Segmented.Enable &&
		utf8.RuneCountInString(res.Chain.PlainText()) <= cfg.Segmented.Threshold {
		re, err := regexp.Compile(cfg.Segmented.Pattern)
		if err != nil {
			log.Warn("invalid segmentation pattern, reply sent whole", zap.Error(err))
		} else {
			segments = Segment(res.Chain, re)
		}
	}

	var decoration message.Chain
	if cfg.ReplyWithQuote && ev.MessageID != "" {
		decoration = append(decoration, message.Reply{TargetID: ev.MessageID, SenderID: ev.Sender.ID})
	}
	if cfg.ReplyWithMention && ev.IsGroup() && ev.Sender.ID != "" {
		decoration = append(decoration, message.Mention{TargetID: ev.Sender.ID, Name: ev.Sender.Nickname})
	}

	chains := Assemble(segments, decoration)
	if len(chains) == 0 {
		return pipeline.Next()
	}
	ev.MarkReplied()

	for i, chain := range chains {
		if i > 0 && cfg.Segmented.Interval > 0 {
			if err := s.wait(ctx, cfg.Segmented.Interval); err != nil {
				return s.failed(pc, ev, log, i, err)
			}
		}
		if err := sender.Send(ctx, ev.Type, ev.SessionID, chain); err != nil {
			return s.failed(pc, ev, log, i, err)
		}
	}
	log.Info("reply sent", zap.String("result", string(res.Type)), zap.Int("segments", len(chains)))
	pc.Record(ev.AuditID, db.EventReplySent, map[string]any{
		"result":   string(res.Type),
		"segments": len(chains),
	})
	return pipeline.Next()
}

func (s *Respond) failed(pc *pipeline.Context, ev *event.Event, log *zap.Logger, segment int, err error) pipeline.Result {
	log.Error("send reply failed", zap.Int("segment", segment), zap.Error(err))
	pc.Record(ev.AuditID, db.EventReplyFailed, map[string]any{
		"segment": segment,
		"error":   truncate(err.Error(), 500),
	})
	return pipeline.FailErr(pipeline.KindSendFailed, fmt.Errorf("segment %d: %w", segment, err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
