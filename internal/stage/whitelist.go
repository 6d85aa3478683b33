package stage

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/pipeline"
)

// Whitelist filters sessions and decides whether the bot was addressed.
type Whitelist struct{}

func (*Whitelist) ID() pipeline.StageID { return pipeline.StageWhitelistCheck }

func (*Whitelist) Process(_ context.Context, pc *pipeline.Context, ev *event.Event) pipeline.Result {
	log := pc.EventLogger(ev, pipeline.StageWhitelistCheck)
	key := ev.SessionKey()

	ev.IsAdmin = pc.IsAdmin(ev.Sender.ID)
	ev.IsWake = detectWake(pc, ev)

	bypass := ev.IsAdmin && pc.Config.Whitelist.AdminBypass
	if pc.WhitelistActive() && !bypass && !pc.Whitelisted(key, ev.SessionID) {
		log.Info("session not in whitelist, event propagation terminated",
			zap.String("sender", ev.Sender.ID))
		ev.Terminate()
		return pipeline.HaltWith(pipeline.KindWhitelistDenied, key)
	}

	if ev.IsGroup() && !ev.IsWake && !pc.Whitelisted(key, ev.SessionID) {
		log.Debug("group message not addressed to the bot, ignored")
		ev.Terminate()
		return pipeline.Halt()
	}
	return pipeline.Next()
}

// detectWake reports whether ev addresses the bot. A matching wake prefix
// is stripped from MessageStr.
func detectWake(pc *pipeline.Context, ev *event.Event) bool {
	if !ev.IsGroup() {
		return true
	}
	if ev.Components.Mentions(ev.SelfID) {
		return true
	}
	for _, c := range ev.Components {
		if r, ok := c.(message.Reply); ok && ev.SelfID != "" && r.SenderID == ev.SelfID {
			return true
		}
	}
	text := strings.TrimSpace(ev.MessageStr)
	if p := pc.Config.Command.Prefix; p != "" && strings.HasPrefix(text, p) {
		return true
	}
	for _, p := range pc.Config.Whitelist.WakePrefixes {
		if p != "" && strings.HasPrefix(text, p) {
			ev.MessageStr = strings.TrimSpace(strings.TrimPrefix(text, p))
			return true
		}
	}
	return false
}
