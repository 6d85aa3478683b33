package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
)

// Safety rejects messages that match the banned-content matcher.
type Safety struct{}

func (*Safety) ID() pipeline.StageID { return pipeline.StageContentSafety }

func (*Safety) Process(_ context.Context, pc *pipeline.Context, ev *event.Event) pipeline.Result {
	cfg := pc.Config.Safety
	if !cfg.Enable || pc.Safety.Len() == 0 {
		return pipeline.Next()
	}
	texts := append([]string{ev.MessageStr}, ev.Components.Texts()...)
	for _, text := range texts {
		term, hit := pc.Safety.Match(text)
		if !hit {
			continue
		}
		pc.EventLogger(ev, pipeline.StageContentSafety).Info("content safety check failed",
			zap.String("matched", term))
		var chain message.Chain
		if cfg.ReplyOnReject {
			chain = message.Text(cfg.RejectText)
		}
		ev.SetResult(&event.Result{Type: event.ResultRejected, Chain: chain})
		return pipeline.HaltWith(pipeline.KindSafetyRejected, term)
	}
	return pipeline.Next()
}
