package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stupiduntilnot/stagebot/internal/message"
)

// ID accepts a JSON number or string; implementations disagree.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*id = ""
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("onebot id %s: %w", s, err)
	}
	*id = ID(n.String())
	return nil
}

// rawEvent is any frame pushed by the implementation: an event or an API
// response carrying an echo.
type rawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageID     ID              `json:"message_id"`
	UserID        ID              `json:"user_id"`
	GroupID       ID              `json:"group_id"`
	SelfID        ID              `json:"self_id"`
	Time          int64           `json:"time"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        sender          `json:"sender"`

	Echo    string          `json:"echo"`
	Status  json.RawMessage `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Wording string          `json:"wording"`
}

type sender struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

func (s sender) name() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type apiResponse struct {
	Status  string
	RetCode int
	Data    json.RawMessage
	Wording string
}

func (r apiResponse) err(action string) error {
	if r.RetCode != 0 || (r.Status != "" && r.Status != "ok" && r.Status != "async") {
		return fmt.Errorf("onebot %s failed: status=%s retcode=%d %s", action, r.Status, r.RetCode, r.Wording)
	}
	return nil
}

// statusText reads the status of an API response. Heartbeat frames use an
// object for the same field.
func statusText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func dataString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

var cqPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// decodeMessage turns the message field into a chain. The field is either
// a segment array or a CQ-coded string.
func decodeMessage(raw json.RawMessage, rawMessage, selfID string) message.Chain {
	var segments []segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			s = rawMessage
		}
		segments = parseCQ(s)
	}

	var chain message.Chain
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			if t, ok := seg.Data["text"].(string); ok && t != "" {
				chain = append(chain, message.Plain{Text: t})
			}
		case "at":
			qq := dataString(seg.Data["qq"])
			if qq == "all" {
				qq = selfID
			}
			chain = append(chain, message.Mention{TargetID: qq, Name: dataString(seg.Data["name"])})
		case "reply":
			chain = append(chain, message.Reply{TargetID: dataString(seg.Data["id"])})
		case "image":
			ref := dataString(seg.Data["url"])
			if ref == "" {
				ref = dataString(seg.Data["file"])
			}
			chain = append(chain, message.Image{Ref: ref})
		case "file":
			chain = append(chain, message.File{Ref: dataString(seg.Data["url"]), Name: dataString(seg.Data["name"])})
		}
	}
	return trimPlain(chain)
}

// trimPlain trims the whitespace left around removed mentions.
func trimPlain(chain message.Chain) message.Chain {
	out := chain[:0]
	for _, comp := range chain {
		if p, ok := comp.(message.Plain); ok {
			p.Text = strings.TrimSpace(p.Text)
			if p.Text == "" {
				continue
			}
			comp = p
		}
		out = append(out, comp)
	}
	return out
}

func parseCQ(content string) []segment {
	var out []segment
	cursor := 0
	for _, m := range cqPattern.FindAllStringSubmatchIndex(content, -1) {
		if m[0] > cursor {
			out = append(out, segment{Type: "text", Data: map[string]any{"text": unescapeCQ(content[cursor:m[0]])}})
		}
		data := map[string]any{}
		if m[4] >= 0 {
			for _, item := range strings.Split(content[m[4]:m[5]], ",") {
				if k, v, ok := strings.Cut(item, "="); ok {
					data[strings.TrimSpace(k)] = unescapeCQ(v)
				}
			}
		}
		out = append(out, segment{Type: content[m[2]:m[3]], Data: data})
		cursor = m[1]
	}
	if cursor < len(content) {
		out = append(out, segment{Type: "text", Data: map[string]any{"text": unescapeCQ(content[cursor:])}})
	}
	return out
}

var cqUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")

func unescapeCQ(s string) string { return cqUnescaper.Replace(s) }

// encodeChain renders a chain as a segment array.
func encodeChain(chain message.Chain) []segment {
	out := make([]segment, 0, len(chain))
	for _, comp := range chain {
		switch c := comp.(type) {
		case message.Plain:
			out = append(out, segment{Type: "text", Data: map[string]any{"text": c.Text}})
		case message.Reply:
			out = append(out, segment{Type: "reply", Data: map[string]any{"id": c.TargetID}})
		case message.Mention:
			out = append(out, segment{Type: "at", Data: map[string]any{"qq": c.TargetID}})
			out = append(out, segment{Type: "text", Data: map[string]any{"text": " "}})
		case message.Image:
			out = append(out, segment{Type: "image", Data: map[string]any{"file": c.Ref}})
		case message.File:
			name := c.Name
			if name == "" {
				name = c.Ref
			}
			out = append(out, segment{Type: "text", Data: map[string]any{"text": fmt.Sprintf("[文件] %s %s", name, c.Ref)}})
		}
	}
	return out
}
