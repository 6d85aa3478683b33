package message

import "strings"

// Kind identifies the variant of a Component.
type Kind string

const (
	KindPlain   Kind = "plain"
	KindImage   Kind = "image"
	KindFile    Kind = "file"
	KindReply   Kind = "reply"
	KindMention Kind = "mention"
)

// Component is one typed unit of message content. Implementations are
// immutable values.
type Component interface {
	Kind() Kind
}

// Plain is a text run.
type Plain struct {
	Text string
}

// Image references an image by URL or local path.
type Image struct {
	Ref string
}

// File references a file by URL or local path.
type File struct {
	Ref  string
	Name string
}

// Reply quotes a platform message. SenderID is the author of the quoted
// message when the platform reports it.
type Reply struct {
	TargetID string
	SenderID string
}

// Mention addresses a platform user.
type Mention struct {
	TargetID string
	Name     string
}

func (Plain) Kind() Kind   { return KindPlain }
func (Image) Kind() Kind   { return KindImage }
func (File) Kind() Kind    { return KindFile }
func (Reply) Kind() Kind   { return KindReply }
func (Mention) Kind() Kind { return KindMention }

// IsEmpty reports whether c carries no content. Only a Plain whose trimmed
// text is empty is empty; other kinds never are.
func IsEmpty(c Component) bool {
	p, ok := c.(Plain)
	if !ok {
		return false
	}
	return strings.TrimSpace(p.Text) == ""
}

// Chain is an ordered message; send order follows slice order.
type Chain []Component

// Text builds a single-component chain.
func Text(s string) Chain {
	return Chain{Plain{Text: s}}
}

// IsEmpty reports whether every component of the chain is empty.
func (c Chain) IsEmpty() bool {
	for _, comp := range c {
		if !IsEmpty(comp) {
			return false
		}
	}
	return true
}

// PlainText concatenates the text of all Plain components.
func (c Chain) PlainText() string {
	var b strings.Builder
	for _, comp := range c {
		if p, ok := comp.(Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Texts returns the text of each Plain component in order.
func (c Chain) Texts() []string {
	var out []string
	for _, comp := range c {
		if p, ok := comp.(Plain); ok {
			out = append(out, p.Text)
		}
	}
	return out
}

// Mentions reports whether the chain mentions targetID.
func (c Chain) Mentions(targetID string) bool {
	if targetID == "" {
		return false
	}
	for _, comp := range c {
		if m, ok := comp.(Mention); ok && m.TargetID == targetID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no backing array with c.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	out := make(Chain, len(c))
	copy(out, c)
	return out
}
