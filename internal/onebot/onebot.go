// Package onebot connects a OneBot v11 implementation over a forward
// WebSocket.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/platform"
)

const PlatformName = "onebot"

const (
	maxReconnectDelay = 2 * time.Minute
	// maxBacklog bounds the messages read but not yet committed.
	maxBacklog = 4096
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("onebot websocket not connected")

type Options struct {
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	CallTimeout       time.Duration
}

// Adapter is the OneBot platform.Adapter. Inbound events are committed in
// arrival order by a single goroutine. The read loop hands them over
// without blocking, so it stays free to deliver API responses.
type Adapter struct {
	opts   Options
	logger *zap.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
	echoSeq atomic.Int64

	waitMu  sync.Mutex
	waiters map[string]chan apiResponse
}

var _ platform.Adapter = (*Adapter)(nil)

func NewAdapter(opts Options, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Adapter{
		opts:    opts,
		logger:  logger.With(zap.String("platform", PlatformName)),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		waiters: map[string]chan apiResponse{},
	}
}

func (a *Adapter) Name() string { return PlatformName }

// Run keeps a connection open until ctx ends. Failed dials back off
// exponentially from ReconnectInterval; a connection that was up resets
// the backoff.
func (a *Adapter) Run(ctx context.Context, commit platform.CommitFunc) error {
	if a.opts.URL == "" {
		return fmt.Errorf("onebot url not configured")
	}
	inbound := newBacklog()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.commitLoop(ctx, inbound, commit)
	})
	g.Go(func() error {
		failures := 0
		for {
			connected, err := a.session(ctx, inbound)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("onebot connection lost", zap.Error(err))
			}
			if connected {
				failures = 0
			}
			failures++
			delay := control.Backoff(failures, a.opts.ReconnectInterval, maxReconnectDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				a.logger.Info("attempting to reconnect", zap.Int("attempt", failures))
			}
		}
	})
	return g.Wait()
}

// session dials once and reads frames until the connection fails. It
// reports whether the dial succeeded.
func (a *Adapter) session(ctx context.Context, inbound *backlog) (bool, error) {
	header := http.Header{}
	if a.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.opts.AccessToken)
	}
	conn, _, err := a.dialer.DialContext(ctx, a.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("websocket connected", zap.String("url", a.opts.URL))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var raw rawEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			a.logger.Warn("failed to decode onebot frame", zap.Error(err))
			continue
		}
		if raw.Echo != "" {
			a.dispatch(raw)
			continue
		}
		switch raw.PostType {
		case "message":
			if !inbound.push(raw) {
				a.logger.Warn("inbound backlog full, message dropped",
					zap.String("message_id", string(raw.MessageID)), zap.Int("backlog", maxBacklog))
			}
		case "meta_event":
			if raw.MetaEventType == "lifecycle" {
				a.logger.Info("lifecycle event", zap.String("self_id", string(raw.SelfID)))
			}
		default:
			a.logger.Debug("ignoring onebot event", zap.String("post_type", raw.PostType))
		}
	}
}

func (a *Adapter) commitLoop(ctx context.Context, inbound *backlog, commit platform.CommitFunc) error {
	for {
		raw, ok := inbound.pop(ctx)
		if !ok {
			return nil
		}
		ev, ok := a.toEvent(ctx, raw)
		if !ok {
			continue
		}
		if err := commit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit onebot message %s: %w", raw.MessageID, err)
		}
	}
}

// backlog is the FIFO between the read loop and commitLoop. push never
// blocks; it fails once maxBacklog messages are waiting.
type backlog struct {
	mu    sync.Mutex
	items []rawEvent
	ready chan struct{}
}

func newBacklog() *backlog {
	return &backlog{ready: make(chan struct{}, 1)}
}

func (b *backlog) push(raw rawEvent) bool {
	b.mu.Lock()
	if len(b.items) >= maxBacklog {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, raw)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the oldest message. It returns false once ctx ends.
func (b *backlog) pop(ctx context.Context) (rawEvent, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			raw := b.items[0]
			b.items[0] = rawEvent{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return raw, true
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return rawEvent{}, false
		case <-b.ready:
		}
	}
}

func (a *Adapter) toEvent(ctx context.Context, raw rawEvent) (*event.Event, bool) {
	var (
		typ       event.MessageType
		sessionID string
	)
	switch raw.MessageType {
	case "private":
		typ, sessionID = event.Private, string(raw.UserID)
	case "group":
		typ, sessionID = event.Group, string(raw.GroupID)
	default:
		return nil, false
	}
	selfID := string(raw.SelfID)
	if string(raw.UserID) == selfID {
		return nil, false
	}
	chain := decodeMessage(raw.Message, raw.RawMessage, selfID)
	if len(chain) == 0 {
		return nil, false
	}
	for i, comp := range chain {
		if r, ok := comp.(message.Reply); ok && r.SenderID == "" {
			r.SenderID = a.replySender(ctx, r.TargetID)
			chain[i] = r
		}
	}

	ev := event.New(PlatformName, typ, sessionID, event.Sender{ID: string(raw.UserID), Nickname: raw.Sender.name()}, chain)
	ev.SelfID = selfID
	ev.MessageID = string(raw.MessageID)
	if typ == event.Group {
		ev.GroupID = sessionID
	}
	if raw.Time > 0 {
		ev.Timestamp = time.Unix(raw.Time, 0)
	}
	ev.Raw = raw
	return ev, true
}

// replySender looks up who wrote a quoted message. Failures leave it empty.
func (a *Adapter) replySender(ctx context.Context, messageID string) string {
	if messageID == "" {
		return ""
	}
	var id any = messageID
	if n, err := strconv.ParseInt(messageID, 10, 64); err == nil {
		id = n
	}
	resp, err := a.call(ctx, "get_msg", map[string]any{"message_id": id})
	if err != nil {
		a.logger.Debug("reply lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return ""
	}
	var data struct {
		UserID ID     `json:"user_id"`
		Sender sender `json:"sender"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return ""
	}
	if data.UserID != "" {
		return string(data.UserID)
	}
	return string(data.Sender.UserID)
}

func (a *Adapter) dispatch(raw rawEvent) {
	a.waitMu.Lock()
	waiter := a.waiters[raw.Echo]
	a.waitMu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- apiResponse{Status: statusText(raw.Status), RetCode: raw.RetCode, Data: raw.Data, Wording: raw.Wording}:
	default:
	}
}

// call sends an action and waits for the response with the same echo.
func (a *Adapter) call(ctx context.Context, action string, params any) (apiResponse, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return apiResponse{}, ErrNotConnected
	}

	echo := fmt.Sprintf("%s_%d", action, a.echoSeq.Add(1))
	waiter := make(chan apiResponse, 1)
	a.waitMu.Lock()
	a.waiters[echo] = waiter
	a.waitMu.Unlock()
	defer func() {
		a.waitMu.Lock()
		delete(a.waiters, echo)
		a.waitMu.Unlock()
	}()

	payload, err := json.Marshal(apiRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return apiResponse{}, fmt.Errorf("encode onebot %s: %w", action, err)
	}
	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	a.writeMu.Unlock()
	if err != nil {
		return apiResponse{}, fmt.Errorf("write onebot %s: %w", action, err)
	}

	timer := time.NewTimer(a.opts.CallTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp, resp.err(action)
	case <-timer.C:
		return apiResponse{}, fmt.Errorf("onebot %s timed out after %s", action, a.opts.CallTimeout)
	case <-ctx.Done():
		return apiResponse{}, ctx.Err()
	}
}

func (a *Adapter) Send(ctx context.Context, typ event.MessageType, sessionID string, chain message.Chain) error {
	id, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return fmt.Errorf("onebot session id %q: %w", sessionID, err)
	}
	segments := encodeChain(chain)
	if typ == event.Group {
		_, err = a.call(ctx, "send_group_msg", map[string]any{"group_id": id, "message": segments})
	} else {
		_, err = a.call(ctx, "send_private_msg", map[string]any{"user_id": id, "message": segments})
	}
	return err
}
