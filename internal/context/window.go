package context

import "unicode/utf8"

// Window trims stored conversation history before it is sent to the model.
// Zero limits are off.
type Window struct {
	MaxMessages int
	// MaxRunes bounds the total content of the kept messages.
	MaxRunes int
}

// Trim returns the most recent part of history that fits the window. The
// result never starts with an assistant or tool message, so the model
// always sees a user turn first. history is not modified.
func (w Window) Trim(history []Message) []Message {
	out := history
	if w.MaxMessages > 0 && len(out) > w.MaxMessages {
		out = out[len(out)-w.MaxMessages:]
	}
	if w.MaxRunes > 0 {
		total := 0
		start := len(out)
		for start > 0 {
			n := runes(out[start-1])
			if total+n > w.MaxRunes {
				break
			}
			total += n
			start--
		}
		out = out[start:]
	}
	for len(out) > 0 && out[0].Role != RoleUser {
		out = out[1:]
	}
	if len(out) == len(history) {
		return history
	}
	return out
}

func runes(m Message) int {
	n := utf8.RuneCountInString(m.Content)
	for _, c := range m.ToolCalls {
		n += utf8.RuneCountInString(c.Arguments)
	}
	return n
}
