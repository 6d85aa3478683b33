package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stupiduntilnot/stagebot/internal/message"
)

// MessageType distinguishes private chats from group chats. The string
// values are part of the session key.
type MessageType string

const (
	Private MessageType = "FriendMessage"
	Group   MessageType = "GroupMessage"
)

// ParseMessageType accepts the session-key spelling or the short form.
func ParseMessageType(s string) (MessageType, bool) {
	switch s {
	case string(Private), "private", "friend":
		return Private, true
	case string(Group), "group":
		return Group, true
	}
	return "", false
}

// Sender identifies the author of an inbound message.
type Sender struct {
	ID       string
	Nickname string
}

// ResultType classifies the outcome attached to an event.
type ResultType string

const (
	ResultCommand  ResultType = "command"
	ResultLLM      ResultType = "llm"
	ResultRejected ResultType = "rejected"
	ResultError    ResultType = "error"
)

// Result is the outcome a stage attaches to an event.
type Result struct {
	Type  ResultType
	Chain message.Chain
}

// Terminal reports whether r is a final answer that later stages must not
// replace.
func (r *Result) Terminal() bool {
	return r != nil && (r.Type == ResultCommand || r.Type == ResultLLM)
}

// ErrMalformed is returned by Validate.
var ErrMalformed = errors.New("malformed event")

// Event is one inbound chat message plus its processing state. It is
// owned by a single pipeline pass and is not safe for concurrent use.
type Event struct {
	ID         string
	Platform   string
	Type       MessageType
	SessionID  string
	GroupID    string
	SelfID     string
	MessageID  string
	Sender     Sender
	MessageStr string
	Components message.Chain
	Timestamp  time.Time
	Raw        any

	// Set by the whitelist stage.
	IsWake  bool
	IsAdmin bool

	// Root row of this event in the audit log, 0 when not audited.
	AuditID int64

	result     *Result
	sendOper   bool
	terminated bool
	replied    bool
}

// New builds an event with a fresh id. MessageStr is derived from the
// components when empty.
func New(platform string, typ MessageType, sessionID string, sender Sender, chain message.Chain) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Platform:   platform,
		Type:       typ,
		SessionID:  sessionID,
		Sender:     sender,
		Components: chain,
		MessageStr: chain.PlainText(),
		Timestamp:  time.Now(),
	}
}

// SessionKey returns platform:messageType:sessionId.
func (e *Event) SessionKey() string {
	return fmt.Sprintf("%s:%s:%s", e.Platform, e.Type, e.SessionID)
}

// IsGroup reports whether the event came from a group chat.
func (e *Event) IsGroup() bool {
	return e.Type == Group
}

// Validate reports ErrMalformed when the event cannot be routed.
func (e *Event) Validate() error {
	switch {
	case e.Platform == "":
		return fmt.Errorf("%w: missing platform", ErrMalformed)
	case e.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrMalformed)
	case e.Type != Private && e.Type != Group:
		return fmt.Errorf("%w: unknown message type %q", ErrMalformed, e.Type)
	}
	return nil
}

// Result returns the current result, nil when none is set.
func (e *Event) Result() *Result {
	return e.result
}

// SetResult stores r unless a terminal result is already present.
func (e *Event) SetResult(r *Result) bool {
	if e.result.Terminal() {
		return false
	}
	e.result = r
	return true
}

// HasSendOperation reports whether a stage has already claimed the reply
// for this event.
func (e *Event) HasSendOperation() bool {
	return e.sendOper
}

// MarkSendOperation records that the reply for this event is claimed.
func (e *Event) MarkSendOperation() {
	e.sendOper = true
}

// Terminate stops the event without a reply.
func (e *Event) Terminate() {
	e.terminated = true
}

// IsTerminated reports whether Terminate was called.
func (e *Event) IsTerminated() bool {
	return e.terminated
}

// MarkReplied records that the reply was handed to the platform. The
// respond stage checks it so an event is answered at most once.
func (e *Event) MarkReplied() {
	e.replied = true
}

// Replied reports whether MarkReplied was called.
func (e *Event) Replied() bool {
	return e.replied
}
