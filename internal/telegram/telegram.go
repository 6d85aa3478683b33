// Package telegram connects the Bot API through getUpdates long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/control"
	"github.com/stupiduntilnot/stagebot/internal/event"
	"github.com/stupiduntilnot/stagebot/internal/message"
	"github.com/stupiduntilnot/stagebot/internal/platform"
)

const (
	PlatformName = "telegram"
	// maxTextRunes keeps messages under the 4096 character API limit.
	maxTextRunes = 3900

	maxRetryDelay = time.Minute
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). requestTimeout must exceed
// the long poll timeout.
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID      int64       `json:"message_id"`
	From           *User       `json:"from,omitempty"`
	Chat           Chat        `json:"chat"`
	Date           int64       `json:"date"`
	Text           *string     `json:"text,omitempty"`
	Caption        *string     `json:"caption,omitempty"`
	Photo          []PhotoSize `json:"photo,omitempty"`
	Entities       []Entity    `json:"entities,omitempty"`
	ReplyToMessage *Message    `json:"reply_to_message,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	FileSize int    `json:"file_size"`
}

type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	User   *User  `json:"user,omitempty"`
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %d %s", e.Method, e.Code, e.Description)
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	var (
		req *http.Request
		err error
	)
	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/"+method, nil)
	} else {
		body, merr := json.Marshal(payload)
		if merr != nil {
			return fmt.Errorf("encode %s payload: %w", method, merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		return &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", nil, &u)
	return u, err
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	var updates []Update
	if err := c.call(ctx, "getUpdates?"+params.Encode(), nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type sendPhotoRequest struct {
	ChatID           int64  `json:"chat_id"`
	Photo            string `json:"photo"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type sendDocumentRequest struct {
	ChatID   int64  `json:"chat_id"`
	Document string `json:"document"`
}

// SendMessage sends a text message, splitting it when it exceeds the API
// limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	for _, part := range splitRunes(text, maxTextRunes) {
		req := sendMessageRequest{ChatID: chatID, Text: part, ReplyToMessageID: replyTo}
		if err := c.call(ctx, "sendMessage", req, nil); err != nil {
			return err
		}
		replyTo = 0
	}
	return nil
}

// SendPhoto sends a photo by URL or file id.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, ref string, replyTo int64) error {
	return c.call(ctx, "sendPhoto", sendPhotoRequest{ChatID: chatID, Photo: ref, ReplyToMessageID: replyTo}, nil)
}

// SendDocument sends a file by URL or file id.
func (c *Client) SendDocument(ctx context.Context, chatID int64, ref string) error {
	return c.call(ctx, "sendDocument", sendDocumentRequest{ChatID: chatID, Document: ref}, nil)
}

func splitRunes(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	var parts []string
	for len(runes) > 0 {
		end := min(n, len(runes))
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}

// Options configures an Adapter.
type Options struct {
	PollTimeout  int
	RetryBackoff time.Duration
	DropPending  bool
}

// Adapter is the telegram platform.Adapter.
type Adapter struct {
	client *Client
	opts   Options
	logger *zap.Logger

	self User
}

var _ platform.Adapter = (*Adapter)(nil)

func NewAdapter(client *Client, opts Options, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Adapter{client: client, opts: opts, logger: logger.With(zap.String("platform", PlatformName))}
}

func (a *Adapter) Name() string { return PlatformName }

// Run polls until ctx ends. Poll errors are logged and retried with
// exponential backoff starting at RetryBackoff.
func (a *Adapter) Run(ctx context.Context, commit platform.CommitFunc) error {
	self, err := a.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.self = self
	a.logger.Info("telegram adapter running", zap.String("bot", self.Username))

	var offset int64
	if a.opts.DropPending {
		offset = a.bootstrapOffset(ctx)
	}

	failures := 0
	for ctx.Err() == nil {
		updates, err := a.client.GetUpdates(ctx, offset, a.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := control.Backoff(failures, a.opts.RetryBackoff, maxRetryDelay)
			a.logger.Warn("getUpdates error", zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}
		failures = 0
		for _, update := range updates {
			offset = update.UpdateID + 1
			ev, ok := a.toEvent(update)
			if !ok {
				continue
			}
			if err := commit(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("commit telegram update %d: %w", update.UpdateID, err)
			}
		}
	}
	return nil
}

// bootstrapOffset skips updates queued while the bot was down.
func (a *Adapter) bootstrapOffset(ctx context.Context) int64 {
	updates, err := a.client.GetUpdates(ctx, 0, 0)
	if err != nil {
		a.logger.Warn("bootstrap offset error", zap.Error(err))
		return 0
	}
	if len(updates) == 0 {
		return 0
	}
	a.logger.Info("dropping pending updates", zap.Int("count", len(updates)))
	return updates[len(updates)-1].UpdateID + 1
}

func (a *Adapter) toEvent(u Update) (*event.Event, bool) {
	m := u.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return nil, false
	}
	selfID := strconv.FormatInt(a.self.ID, 10)

	var chain message.Chain
	if r := m.ReplyToMessage; r != nil {
		reply := message.Reply{TargetID: strconv.FormatInt(r.MessageID, 10)}
		if r.From != nil {
			reply.SenderID = strconv.FormatInt(r.From.ID, 10)
		}
		chain = append(chain, reply)
	}

	text := ""
	if m.Text != nil {
		text = *m.Text
	} else if m.Caption != nil {
		text = *m.Caption
	}
	mentioned, rest := a.extractMention(text, m.Entities)
	if mentioned {
		chain = append(chain, message.Mention{TargetID: selfID, Name: a.self.Username})
	}
	if strings.TrimSpace(rest) != "" {
		chain = append(chain, message.Plain{Text: strings.TrimSpace(rest)})
	}
	if len(m.Photo) > 0 {
		chain = append(chain, message.Image{Ref: m.Photo[len(m.Photo)-1].FileID})
	}
	if len(chain) == 0 {
		return nil, false
	}

	typ := event.Group
	if m.Chat.Type == "private" {
		typ = event.Private
	}
	name := m.From.Username
	if name == "" {
		name = m.From.FirstName
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	ev := event.New(PlatformName, typ, chatID, event.Sender{ID: strconv.FormatInt(m.From.ID, 10), Nickname: name}, chain)
	ev.SelfID = selfID
	ev.MessageID = strconv.FormatInt(m.MessageID, 10)
	if typ == event.Group {
		ev.GroupID = chatID
	}
	if m.Date > 0 {
		ev.Timestamp = time.Unix(m.Date, 0)
	}
	ev.Raw = u
	return ev, true
}

// extractMention reports whether text addresses the bot and returns the
// text with the mention removed. Entity offsets count UTF-16 code units.
func (a *Adapter) extractMention(text string, entities []Entity) (bool, string) {
	if a.self.Username == "" {
		return false, text
	}
	handle := "@" + a.self.Username
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if strings.EqualFold(utf16Slice(text, e.Offset, e.Length), handle) {
				return true, removeFold(text, handle)
			}
		case "text_mention":
			if e.User != nil && e.User.ID == a.self.ID {
				return true, text
			}
		}
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(handle)) {
		return true, removeFold(text, handle)
	}
	return false, text
}

func utf16Slice(s string, offset, length int) string {
	var (
		b   strings.Builder
		pos int
	)
	for _, r := range s {
		width := 1
		if r >= 0x10000 {
			width = 2
		}
		if pos >= offset && pos < offset+length {
			b.WriteRune(r)
		}
		pos += width
	}
	return b.String()
}

func removeFold(s, sub string) string {
	i := strings.Index(strings.ToLower(s), strings.ToLower(sub))
	if i < 0 {
		return s
	}
	return s[:i] + s[i+len(sub):]
}

// Send delivers a chain. Text is gathered into one message; images and
// files are sent separately in chain order.
func (a *Adapter) Send(ctx context.Context, _ event.MessageType, sessionID string, chain message.Chain) error {
	chatID, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram session id %q: %w", sessionID, err)
	}

	var (
		text    strings.Builder
		replyTo int64
	)
	flush := func() error {
		if strings.TrimSpace(text.String()) == "" {
			text.Reset()
			return nil
		}
		err := a.client.SendMessage(ctx, chatID, text.String(), replyTo)
		text.Reset()
		replyTo = 0
		return err
	}
	for _, comp := range chain {
		switch c := comp.(type) {
		case message.Reply:
			replyTo, _ = strconv.ParseInt(c.TargetID, 10, 64)
		case message.Mention:
			if c.Name != "" {
				text.WriteString("@" + c.Name + " ")
			}
		case message.Plain:
			text.WriteString(c.Text)
		case message.Image:
			if err := flush(); err != nil {
				return err
			}
			if err := a.client.SendPhoto(ctx, chatID, c.Ref, replyTo); err != nil {
				return err
			}
			replyTo = 0
		case message.File:
			if err := flush(); err != nil {
				return err
			}
			if err := a.client.SendDocument(ctx, chatID, c.Ref); err != nil {
				return err
			}
		}
	}
	return flush()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
