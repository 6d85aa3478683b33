package tool

import (
	"strings"
	"unicode/utf8"
)

// Limits bound the tool output handed back to the model. Zero is no limit.
type Limits struct {
	MaxLines int
	MaxBytes int
}

// DefaultLimits keeps tool output small enough for a chat model context.
func DefaultLimits() Limits {
	return Limits{MaxLines: 200, MaxBytes: 16 * 1024}
}

// Truncate clips text to the line limit, then the byte limit, without
// splitting a UTF-8 sequence. It reports whether anything was cut.
func Truncate(text string, limits Limits) (string, bool) {
	cut := false
	if limits.MaxLines > 0 {
		idx := 0
		for n := 0; n < limits.MaxLines; n++ {
			next := strings.IndexByte(text[idx:], '\n')
			if next < 0 {
				idx = -1
				break
			}
			idx += next + 1
		}
		if idx > 0 && idx < len(text) {
			text = text[:idx-1]
			cut = true
		}
	}
	if limits.MaxBytes > 0 && len(text) > limits.MaxBytes {
		end := limits.MaxBytes
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		text = text[:end]
		cut = true
	}
	return text, cut
}
